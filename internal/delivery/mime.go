package delivery

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/email-dispatch-service/internal/models"
)

const defaultAttachmentType = "application/octet-stream"

// base64LineLength is the canonical MIME line width for encoded bodies.
const base64LineLength = 76

// BuildMessage constructs the wire form of a record: from/to/subject
// headers, a plain-text part, an optional HTML alternative and optional
// attachments. Attachment content arrives base64-encoded and its MIME type
// is guessed from the filename, defaulting to application/octet-stream.
// Failures here are permanent content errors.
func BuildMessage(from string, rec *models.EmailRecord, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	writeHeader(&buf, "From", from)
	writeHeader(&buf, "To", rec.Address)
	writeHeader(&buf, "Subject", sanitizeHeaderValue(rec.Subject))
	writeHeader(&buf, "Date", now.UTC().Format(time.RFC1123Z))
	writeHeader(&buf, "MIME-Version", "1.0")

	switch {
	case len(rec.Attachments) > 0:
		return buildMixed(&buf, rec)
	case rec.Message != "" && rec.Body != "":
		return buildAlternative(&buf, rec)
	case rec.Body != "":
		writeHeader(&buf, "Content-Type", "text/html; charset=UTF-8")
		buf.WriteString("\r\n")
		buf.WriteString(normalizeCRLF(rec.Body))
		return buf.Bytes(), nil
	default:
		writeHeader(&buf, "Content-Type", "text/plain; charset=UTF-8")
		buf.WriteString("\r\n")
		buf.WriteString(normalizeCRLF(rec.Message))
		return buf.Bytes(), nil
	}
}

func buildAlternative(buf *bytes.Buffer, rec *models.EmailRecord) ([]byte, error) {
	var payload bytes.Buffer
	w := multipart.NewWriter(&payload)
	if err := writeAlternativeParts(w, rec); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	writeHeader(buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", w.Boundary()))
	buf.WriteString("\r\n")
	buf.Write(payload.Bytes())
	return buf.Bytes(), nil
}

func buildMixed(buf *bytes.Buffer, rec *models.EmailRecord) ([]byte, error) {
	var payload bytes.Buffer
	w := multipart.NewWriter(&payload)

	switch {
	case rec.Message != "" && rec.Body != "":
		var alt bytes.Buffer
		aw := multipart.NewWriter(&alt)
		if err := writeAlternativeParts(aw, rec); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%q", aw.Boundary())},
		})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(alt.Bytes()); err != nil {
			return nil, err
		}
	case rec.Body != "":
		if err := writeTextPart(w, "text/html", rec.Body); err != nil {
			return nil, err
		}
	default:
		if err := writeTextPart(w, "text/plain", rec.Message); err != nil {
			return nil, err
		}
	}

	for _, att := range rec.Attachments {
		if err := writeAttachment(w, att); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	writeHeader(buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", w.Boundary()))
	buf.WriteString("\r\n")
	buf.Write(payload.Bytes())
	return buf.Bytes(), nil
}

// writeAlternativeParts emits plain text before HTML, in increasing order of
// preference as MIME requires.
func writeAlternativeParts(w *multipart.Writer, rec *models.EmailRecord) error {
	if err := writeTextPart(w, "text/plain", rec.Message); err != nil {
		return err
	}
	return writeTextPart(w, "text/html", rec.Body)
}

func writeTextPart(w *multipart.Writer, contentType, content string) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {contentType + "; charset=UTF-8"},
	})
	if err != nil {
		return err
	}
	_, err = part.Write([]byte(normalizeCRLF(content)))
	return err
}

func writeAttachment(w *multipart.Writer, att models.Attachment) error {
	data, err := base64.StdEncoding.DecodeString(att.Content)
	if err != nil {
		return fmt.Errorf("decode attachment %s: %w", att.Filename, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(att.Filename))
	if mimeType == "" {
		mimeType = defaultAttachmentType
	}
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	mainType, subType, found := strings.Cut(mimeType, "/")
	if !found {
		mainType, subType = "application", "octet-stream"
	}

	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {fmt.Sprintf("%s/%s; name=%q", mainType, subType, att.Filename)},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", att.Filename)},
	})
	if err != nil {
		return err
	}
	_, err = part.Write([]byte(wrapBase64(base64.StdEncoding.EncodeToString(data))))
	return err
}

func wrapBase64(encoded string) string {
	var b strings.Builder
	for len(encoded) > base64LineLength {
		b.WriteString(encoded[:base64LineLength])
		b.WriteString("\r\n")
		encoded = encoded[base64LineLength:]
	}
	b.WriteString(encoded)
	return b.String()
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}

func normalizeCRLF(body string) string {
	if body == "" {
		return ""
	}
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}
