package ogc

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type parsedReport struct {
	XMLName   xml.Name `xml:"ServiceExceptionReport"`
	Version   string   `xml:"version,attr"`
	Exception struct {
		Code    string `xml:"code,attr"`
		Locator string `xml:"locator,attr"`
		Text    string `xml:",chardata"`
	} `xml:"ServiceException"`
}

func TestReportBytes(t *testing.T) {
	r := Report{
		Version:        "1.3.0",
		Namespace:      "http://www.opengis.net/ogc",
		SchemaLocation: "http://www.opengis.net/ogc http://schemas.opengis.net/wms/1.3.0/exceptions_1_3_0.xsd",
		Code:           "InvalidFormat",
		Message:        `Query error: format="image/gif" <is> & not supported`,
	}
	var got parsedReport
	require.NoError(t, xml.Unmarshal(r.Bytes(), &got))
	assert.Equal(t, "1.3.0", got.Version)
	assert.Equal(t, "http://www.opengis.net/ogc", got.XMLName.Space)
	assert.Equal(t, "InvalidFormat", got.Exception.Code)
	assert.Equal(t, r.Message, got.Exception.Text)

	r = Report{Version: "1.1.1", DocType: "http://schemas.opengis.net/wms/1.1.1/exception_1_1_1.dtd", Locator: "bbox", Message: "bad"}
	b := string(r.Bytes())
	assert.Contains(t, b, `<!DOCTYPE ServiceExceptionReport SYSTEM "http://schemas.opengis.net/wms/1.1.1/exception_1_1_1.dtd">`)
	assert.NotContains(t, b, "code=")
	assert.Contains(t, b, `locator="bbox"`)
}

func TestReportWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, Report{Version: "1.2.0", Message: "x"}.Write(rec, "application/vnd.ogc.se_xml", http.StatusBadRequest))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/vnd.ogc.se_xml", rec.Header().Get("Content-Type"))
}

func TestCoded(t *testing.T) {
	base := errors.New("bad srs")
	err := fmt.Errorf("getmap: %w", WithCode("InvalidSRS", base))
	assert.Equal(t, "InvalidSRS", CodeOf(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "", CodeOf(base))
	assert.NoError(t, WithCode("X", nil))
}

func TestWriteXML(t *testing.T) {
	type doc struct {
		XMLName xml.Name `xml:"Doc"`
		Name    string   `xml:"Name"`
	}
	rec := httptest.NewRecorder()
	require.NoError(t, WriteXML(rec, "text/xml", doc{Name: "a&b"}))
	assert.Equal(t, XMLHeader+"<Doc>\n  <Name>a&amp;b</Name>\n</Doc>\n", rec.Body.String())
}
