package helpers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPlainText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "single part",
			raw:  "Subject: x\r\nContent-Type: text/plain\r\n\r\nhello world\r\n",
			want: "hello world",
		},
		{
			name: "no content type",
			raw:  "Subject: x\r\n\r\nbare body\r\n",
			want: "bare body",
		},
		{
			name: "quoted printable",
			raw:  "Content-Type: text/plain; charset=utf-8\r\nContent-Transfer-Encoding: quoted-printable\r\n\r\ncaf=C3=A9\r\n",
			want: "café",
		},
		{
			name: "html only",
			raw:  "Content-Type: text/html\r\n\r\n<p>Hello <b>there</b></p>\r\n",
			want: "Hello there",
		},
		{
			name: "multipart prefers plain",
			raw: "Content-Type: multipart/alternative; boundary=XX\r\n\r\n" +
				"--XX\r\nContent-Type: text/html\r\n\r\n<p>html version</p>\r\n" +
				"--XX\r\nContent-Type: text/plain\r\n\r\nplain version\r\n" +
				"--XX--\r\n",
			want: "plain version",
		},
		{
			name: "attachment only",
			raw: "Content-Type: multipart/mixed; boundary=XX\r\n\r\n" +
				"--XX\r\nContent-Type: application/pdf\r\n\r\n%PDF\r\n" +
				"--XX--\r\n",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractPlainText([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.TrimSpace(got))
		})
	}
}
