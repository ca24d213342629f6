package extract

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docqueue/internal/models"
)

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestExtractDecodesResult(t *testing.T) {
	var gotKey, gotType, gotName string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotType = r.Header.Get("Content-Type")
		gotName = r.Header.Get("X-Filename")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"extracted_text": "Invoice 7",
			"page_count": 2,
			"fields": [{"key": "total", "value": "9.99", "confidence": 0.93, "page_number": 1}],
			"tables": [{"index": 0, "rows": [["a", "b"]]}],
			"raw_json": {"model": "prebuilt-invoice"}
		}`)
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL, APIKey: "secret", Timeout: 2 * time.Second})
	doc := models.Document{Filename: "inv 7.pdf", ContentType: "application/pdf"}
	res, err := c.Extract(context.Background(), doc, []byte("%PDF-1.7"))
	require.NoError(t, err)

	require.Equal(t, "secret", gotKey)
	require.Equal(t, "application/pdf", gotType)
	require.Equal(t, "inv%207.pdf", gotName)
	require.Equal(t, []byte("%PDF-1.7"), gotBody)

	require.Equal(t, "Invoice 7", res.Text)
	require.Equal(t, 2, res.PageCount)
	require.Len(t, res.Fields, 1)
	require.Equal(t, "9.99", *res.Fields[0].Value)
	require.InDelta(t, 0.93, *res.Fields[0].Confidence, 1e-9)
	require.Equal(t, []string{}, res.Tables[0].Headers)
	require.JSONEq(t, `{"model": "prebuilt-invoice"}`, string(res.Raw))
}

func TestExtractReportsServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL})
	_, err := c.Extract(context.Background(), models.Document{Filename: "a.pdf"}, []byte("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 429")
	require.Contains(t, err.Error(), "model overloaded")
}

func TestExtractRejectsOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"extracted_text": "`+strings.Repeat("x", 256)+`"}`)
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL, MaxResponseBytes: 64})
	_, err := c.Extract(context.Background(), models.Document{Filename: "a.pdf"}, []byte("x"))
	require.ErrorContains(t, err, "too large")
}

func TestExtractRejectsMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	defer srv.Close()

	_, err := New(Options{URL: srv.URL}).Extract(context.Background(), models.Document{Filename: "a.pdf"}, nil)
	require.ErrorContains(t, err, "decode extraction response")
}

func TestExtractDownscalesLargeImages(t *testing.T) {
	var received image.Config
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, _, err := image.DecodeConfig(r.Body)
		if err == nil {
			received = cfg
		}
		_, _ = io.WriteString(w, `{"extracted_text": ""}`)
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL, ImageMaxDimension: 20})
	doc := models.Document{Filename: "scan.png", ContentType: "image/png"}
	_, err := c.Extract(context.Background(), doc, pngOf(t, 80, 40))
	require.NoError(t, err)
	require.Equal(t, 20, received.Width)
	require.Equal(t, 10, received.Height)
}

func TestNormalize(t *testing.T) {
	small := pngOf(t, 10, 10)
	out, resized, err := Normalize("small.png", small, 100)
	require.NoError(t, err)
	require.False(t, resized)
	require.Equal(t, small, out)

	out, resized, err = Normalize("report.pdf", []byte("%PDF"), 1)
	require.NoError(t, err)
	require.False(t, resized)
	require.Equal(t, []byte("%PDF"), out)

	// formats the upload path does not accept as images pass through untouched
	out, resized, err = Normalize("anim.gif", []byte("GIF89a"), 1)
	require.NoError(t, err)
	require.False(t, resized)
	require.Equal(t, []byte("GIF89a"), out)

	out, resized, err = Normalize("big.png", pngOf(t, 30, 60), 15)
	require.NoError(t, err)
	require.True(t, resized)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, "png", format)
	require.Equal(t, 7, cfg.Width)
	require.Equal(t, 15, cfg.Height)

	_, _, err = Normalize("broken.jpg", []byte("not an image"), 10)
	require.ErrorContains(t, err, "decode image")
}
