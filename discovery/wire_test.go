package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHelloFormat(t *testing.T) {
	payload, err := EncodeHello(Hello{Hostname: "A", IP: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, "GESTUREDROP_HELLO|A|10.0.0.5", string(payload))
}

func TestEncodeHelloRejectsSeparator(t *testing.T) {
	_, err := EncodeHello(Hello{Hostname: "bad|host", IP: "10.0.0.5"})
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestParseHello(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Hello
		wantErr error
	}{
		{name: "valid", payload: "GESTUREDROP_HELLO|desk|192.168.1.4", want: Hello{Hostname: "desk", IP: "192.168.1.4"}},
		{name: "empty hostname", payload: "GESTUREDROP_HELLO||192.168.1.4", want: Hello{IP: "192.168.1.4"}},
		{name: "wrong tag", payload: "OTHERAPP_HELLO|desk|192.168.1.4", wantErr: ErrNotHello},
		{name: "probe literal", payload: "GESTUREDROP_PROBE", wantErr: ErrNotHello},
		{name: "missing ip", payload: "GESTUREDROP_HELLO|desk", wantErr: ErrMalformedHello},
		{name: "extra field", payload: "GESTUREDROP_HELLO|desk|1.2.3.4|x", wantErr: ErrMalformedHello},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHello([]byte(tt.payload))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsProbeRequest(t *testing.T) {
	assert.True(t, IsProbeRequest([]byte("GESTUREDROP_PROBE")))
	assert.True(t, IsProbeRequest([]byte("GESTUREDROP_PROBE\n")))
	assert.False(t, IsProbeRequest([]byte("GESTUREDROP_HELLO|a|b")))
}

func TestSanitizeField(t *testing.T) {
	assert.Equal(t, "a_b", sanitizeField("a|b"))
}
