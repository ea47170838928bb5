package tunnel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `; generated header comment
foreground = yes
debug = 7
output = /var/log/stunnel.log
pid = /var/run/stunnel.pid
cert = /etc/stunnel/server.pem
CAfile = /etc/stunnel/ca.pem
verify = 2

# web tunnel
[web]
accept = 50000
connect = 127.0.0.1:8080

[mail]
client = yes
accept = 10.0.0.5:50001
connect = mail.internal:25
cert = /etc/stunnel/mail.pem
verify = 3
`

func TestParse_FullConfig(t *testing.T) {
	t.Parallel()

	doc, err := Parse(sampleConfig)
	require.NoError(t, err)

	assert.True(t, doc.Global.Foreground)
	assert.Equal(t, "7", doc.Global.Debug)
	assert.Equal(t, "/var/log/stunnel.log", doc.Global.Output)
	assert.Equal(t, "/var/run/stunnel.pid", doc.Global.PIDFile)
	assert.Equal(t, "/etc/stunnel/server.pem", doc.Global.Cert)
	assert.Equal(t, "/etc/stunnel/ca.pem", doc.Global.CAFile)
	require.NotNil(t, doc.Global.Verify)
	assert.Equal(t, 2, *doc.Global.Verify)

	require.Len(t, doc.Services, 2)

	web := doc.Services[0]
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, RoleServer, web.Role)
	assert.Equal(t, Endpoint{Port: 50000}, web.Accept)
	assert.Equal(t, Endpoint{Host: "127.0.0.1", Port: 8080}, web.Connect)

	mail := doc.Services[1]
	assert.Equal(t, "mail", mail.Name)
	assert.Equal(t, RoleClient, mail.Role)
	assert.Equal(t, Endpoint{Host: "10.0.0.5", Port: 50001}, mail.Accept)
	assert.Equal(t, Endpoint{Host: "mail.internal", Port: 25}, mail.Connect)
	assert.Equal(t, "/etc/stunnel/mail.pem", mail.Cert)
	require.NotNil(t, mail.Verify)
	assert.Equal(t, 3, *mail.Verify)
}

func TestParse_EmptyInput(t *testing.T) {
	t.Parallel()

	doc, err := Parse("")
	require.NoError(t, err)
	assert.Empty(t, doc.Services)
}

func TestParse_CommentsAndBlankLinesIgnored(t *testing.T) {
	t.Parallel()

	doc, err := Parse("# comment\n\n; another\n[svc]\naccept = 50000\nconnect = 127.0.0.1:80\n")
	require.NoError(t, err)
	require.Len(t, doc.Services, 1)
	assert.Equal(t, "svc", doc.Services[0].Name)
}

func TestParse_IgnoresUnmanagedOptions(t *testing.T) {
	t.Parallel()

	doc, err := Parse("sslVersion = TLSv1.3\n[svc]\naccept = 50000\nconnect = 1.2.3.4:80\nTIMEOUTclose = 0\n")
	require.NoError(t, err)
	require.Len(t, doc.Services, 1)
}

func TestParse_CRLFInput(t *testing.T) {
	t.Parallel()

	doc, err := Parse("pid = /run/s.pid\r\n[svc]\r\naccept = 50000\r\nconnect = 1.2.3.4:80\r\n")
	require.NoError(t, err)
	assert.Equal(t, "/run/s.pid", doc.Global.PIDFile)
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		line   int
		reason string
	}{
		{
			name:   "garbage line",
			input:  "pid = /run/x.pid\nnot a config line\n",
			line:   2,
			reason: "expected key = value",
		},
		{
			name:   "unterminated section",
			input:  "[svc\naccept = 1\n",
			line:   1,
			reason: "unterminated",
		},
		{
			name:   "empty section name",
			input:  "[  ]\n",
			line:   1,
			reason: "empty section name",
		},
		{
			name:   "duplicate section",
			input:  "[svc]\naccept = 50000\n[svc]\naccept = 50001\n",
			line:   3,
			reason: "duplicate section",
		},
		{
			name:   "empty option name",
			input:  "= value\n",
			line:   1,
			reason: "empty option name",
		},
		{
			name:   "bad verify",
			input:  "verify = high\n",
			line:   1,
			reason: "not a number",
		},
		{
			name:   "bad accept endpoint",
			input:  "[svc]\naccept = not-a-port\n",
			line:   2,
			reason: "accept",
		},
		{
			name:   "bad connect endpoint",
			input:  "[svc]\nconnect = host:port:extra\n",
			line:   2,
			reason: "connect",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tt.input)
			require.Error(t, err)

			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr))
			assert.Equal(t, tt.line, parseErr.Line)
			assert.Contains(t, parseErr.Reason, tt.reason)
			assert.True(t, errors.Is(err, &ParseError{}))
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    Endpoint
		wantErr bool
	}{
		{input: "50000", want: Endpoint{Port: 50000}},
		{input: "127.0.0.1:8080", want: Endpoint{Host: "127.0.0.1", Port: 8080}},
		{input: "example.com:443", want: Endpoint{Host: "example.com", Port: 443}},
		{input: "[::1]:8080", want: Endpoint{Host: "::1", Port: 8080}},
		{input: "", wantErr: true},
		{input: "host:", wantErr: true},
		{input: "host:abc", wantErr: true},
		{input: "a:b:c", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseEndpoint(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
