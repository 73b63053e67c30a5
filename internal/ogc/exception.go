// Package ogc writes the ServiceExceptionReport documents shared by the
// WMS, WCS and SOS handlers.
package ogc

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
)

// Report describes one ServiceExceptionReport document.
type Report struct {
	// Version is the report's version attribute ("1.1.1", "1.2.0", "1.3.0").
	Version string
	// Namespace and SchemaLocation, when set, are written on the root.
	Namespace      string
	SchemaLocation string
	// DocType, when set, is written as a DOCTYPE SYSTEM identifier.
	DocType string
	Code    string
	Locator string
	Message string
}

// Bytes renders the document.
func (r Report) Bytes() []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	if r.DocType != "" {
		fmt.Fprintf(&b, "<!DOCTYPE ServiceExceptionReport SYSTEM %q>\n", r.DocType)
	}
	fmt.Fprintf(&b, "<ServiceExceptionReport version=%q", r.Version)
	if r.Namespace != "" {
		fmt.Fprintf(&b, "\n  xmlns=%q", r.Namespace)
	}
	if r.SchemaLocation != "" {
		b.WriteString("\n  xmlns:xsi=\"http://www.w3.org/2001/XMLSchema-instance\"")
		fmt.Fprintf(&b, "\n  xsi:schemaLocation=%q", r.SchemaLocation)
	}
	b.WriteString(">\n  <ServiceException")
	if r.Code != "" {
		b.WriteString(` code="`)
		xml.EscapeText(&b, []byte(r.Code))
		b.WriteString(`"`)
	}
	if r.Locator != "" {
		b.WriteString(` locator="`)
		xml.EscapeText(&b, []byte(r.Locator))
		b.WriteString(`"`)
	}
	b.WriteString(">")
	xml.EscapeText(&b, []byte(r.Message))
	b.WriteString("</ServiceException>\n</ServiceExceptionReport>\n")
	return b.Bytes()
}

// Write sends the document with the given content type and status.
func (r Report) Write(w http.ResponseWriter, contentType string, status int) error {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, err := w.Write(r.Bytes())
	return err
}

// Coded attaches an OGC exception code to an error.
type Coded struct {
	Code string
	Err  error
}

// WithCode wraps err with an exception code.
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	return &Coded{Code: code, Err: err}
}

func (c *Coded) Error() string { return c.Err.Error() }

func (c *Coded) Unwrap() error { return c.Err }

// CodeOf returns the exception code attached to err, or "".
func CodeOf(err error) string {
	var c *Coded
	if errors.As(err, &c) {
		return c.Code
	}
	return ""
}

// XMLHeader is the declaration written before capabilities documents.
const XMLHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// WriteXML encodes v as an indented XML document.
func WriteXML(w http.ResponseWriter, contentType string, v any) error {
	var b bytes.Buffer
	b.WriteString(XMLHeader)
	enc := xml.NewEncoder(&b)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	b.WriteByte('\n')
	w.Header().Set("Content-Type", contentType)
	_, err := w.Write(b.Bytes())
	return err
}
