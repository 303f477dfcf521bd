package delivery

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/example/email-dispatch-service/internal/models"
)

var testDate = time.Date(2026, time.March, 14, 9, 26, 53, 0, time.UTC)

func parseMessage(t *testing.T, raw []byte) *mail.Message {
	t.Helper()
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return msg
}

func TestBuildMessagePlainText(t *testing.T) {
	rec := &models.EmailRecord{
		Address: "user@example.com",
		Subject: "Welcome",
		Message: "hello there",
	}
	raw, err := BuildMessage("noreply@example.com", rec, testDate)
	if err != nil {
		t.Fatalf("BuildMessage: %v", err)
	}

	msg := parseMessage(t, raw)
	if got := msg.Header.Get("To"); got != "user@example.com" {
		t.Errorf("To = %q", got)
	}
	if got := msg.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	body, _ := io.ReadAll(msg.Body)
	if !strings.Contains(string(body), "hello there") {
		t.Errorf("body %q missing message text", body)
	}
}

func TestBuildMessageHTMLAlternative(t *testing.T) {
	rec := &models.EmailRecord{
		Address: "user@example.com",
		Subject: "Welcome",
		Message: "plain fallback",
		Body:    "<p>rich body</p>",
	}
	raw, err := BuildMessage("noreply@example.com", rec, testDate)
	if err != nil {
		t.Fatalf("BuildMessage: %v", err)
	}

	msg := parseMessage(t, raw)
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("ParseMediaType: %v", err)
	}
	if mediaType != "multipart/alternative" {
		t.Fatalf("media type = %q, want multipart/alternative", mediaType)
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])
	var types []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		types = append(types, part.Header.Get("Content-Type"))
	}
	if len(types) != 2 {
		t.Fatalf("got %d parts, want 2", len(types))
	}
	// Plain text first, HTML last: increasing preference order.
	if !strings.HasPrefix(types[0], "text/plain") || !strings.HasPrefix(types[1], "text/html") {
		t.Errorf("part order = %v, want [text/plain text/html]", types)
	}
}

func TestBuildMessageAttachmentRoundTrip(t *testing.T) {
	content := []byte("%PDF-1.4 pretend pdf bytes")
	rec := &models.EmailRecord{
		Address: "user@example.com",
		Subject: "Invoice",
		Message: "see attached",
		Attachments: []models.Attachment{
			{Filename: "invoice.pdf", Content: base64.StdEncoding.EncodeToString(content)},
		},
	}
	raw, err := BuildMessage("noreply@example.com", rec, testDate)
	if err != nil {
		t.Fatalf("BuildMessage: %v", err)
	}

	msg := parseMessage(t, raw)
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("ParseMediaType: %v", err)
	}
	if mediaType != "multipart/mixed" {
		t.Fatalf("media type = %q, want multipart/mixed", mediaType)
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])
	var attachment *multipart.Part
	var decoded []byte
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		if strings.HasPrefix(part.Header.Get("Content-Disposition"), "attachment") {
			attachment = part
			b64, err := io.ReadAll(part)
			if err != nil {
				t.Fatalf("read attachment: %v", err)
			}
			clean := strings.NewReplacer("\r", "", "\n", "").Replace(string(b64))
			decoded, err = base64.StdEncoding.DecodeString(clean)
			if err != nil {
				t.Fatalf("decode attachment: %v", err)
			}
		}
	}

	if attachment == nil {
		t.Fatal("no attachment part found")
	}
	if got := attachment.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/pdf") {
		t.Errorf("attachment Content-Type = %q, want application/pdf", got)
	}
	if !bytes.Equal(decoded, content) {
		t.Errorf("attachment bytes do not round-trip: got %q", decoded)
	}
}

func TestBuildMessageUnknownExtensionFallsBack(t *testing.T) {
	rec := &models.EmailRecord{
		Address: "user@example.com",
		Subject: "Data",
		Message: "raw dump",
		Attachments: []models.Attachment{
			{Filename: "dump.zzz9", Content: base64.StdEncoding.EncodeToString([]byte("data"))},
		},
	}
	raw, err := BuildMessage("noreply@example.com", rec, testDate)
	if err != nil {
		t.Fatalf("BuildMessage: %v", err)
	}
	if !bytes.Contains(raw, []byte("application/octet-stream")) {
		t.Error("unknown extension must fall back to application/octet-stream")
	}
}

func TestBuildMessageInvalidBase64(t *testing.T) {
	rec := &models.EmailRecord{
		Address: "user@example.com",
		Subject: "Broken",
		Message: "m",
		Attachments: []models.Attachment{
			{Filename: "x.txt", Content: "!!! not base64 !!!"},
		},
	}
	if _, err := BuildMessage("noreply@example.com", rec, testDate); err == nil {
		t.Fatal("expected invalid base64 content to fail the build")
	}
}

func TestBuildMessageSanitizesSubjectHeader(t *testing.T) {
	rec := &models.EmailRecord{
		Address: "user@example.com",
		Subject: "line one\r\nBcc: evil@example.com",
		Message: "m",
	}
	raw, err := BuildMessage("noreply@example.com", rec, testDate)
	if err != nil {
		t.Fatalf("BuildMessage: %v", err)
	}
	msg := parseMessage(t, raw)
	if got := msg.Header.Get("Bcc"); got != "" {
		t.Errorf("header injection leaked: Bcc = %q", got)
	}
	if got := msg.Header.Get("Subject"); strings.ContainsAny(got, "\r\n") {
		t.Errorf("Subject still contains line breaks: %q", got)
	}
}

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"smtp protocol", &textproto.Error{Code: 451, Msg: "try later"}, ErrTransient},
		{"network", &net.OpError{Op: "dial", Err: errors.New("refused")}, ErrTransient},
		{"eof", io.EOF, ErrTransient},
		{"unexpected", errors.New("template exploded"), ErrPermanent},
		{"already transient", WrapTransient(errors.New("x")), ErrTransient},
		{"already permanent", WrapPermanent(errors.New("x")), ErrPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifySendError(tc.in)
			if tc.want == nil {
				if got != nil {
					t.Fatalf("classifySendError(nil) = %v", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Errorf("classifySendError(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
