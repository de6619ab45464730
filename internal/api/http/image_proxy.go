package apihttp

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultImageBaseURL  = "https://image.tmdb.org/t/p"
	defaultImageSize     = "w342"
	maxProxiedImageBytes = int64(10 * 1024 * 1024) // 10MB

	imageContentSecurityPolicy = "default-src 'none'; style-src 'unsafe-inline'; sandbox"
)

var (
	imageSizes = map[string]struct{}{
		"w45": {}, "w92": {}, "w154": {}, "w185": {}, "w300": {}, "w342": {},
		"w500": {}, "w780": {}, "w1280": {}, "h632": {}, "original": {},
	}
	imagePathPattern = regexp.MustCompile(`^/[A-Za-z0-9_-]+\.(jpg|jpeg|png|svg|webp)$`)
)

// imageProxy serves poster, backdrop and profile images from the provider's
// CDN so the browser client never talks to it directly. Only provider image
// paths are accepted; the host is fixed.
type imageProxy struct {
	baseURL string
	client  *http.Client
}

func newImageProxy(baseURL string) *imageProxy {
	return &imageProxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   12 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return errors.New("stopped after 3 redirects")
				}
				return nil
			},
		},
	}
}

func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/image" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if !imagePathPattern.MatchString(path) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid image path")
		return
	}
	size := strings.TrimSpace(r.URL.Query().Get("size"))
	if size == "" {
		size = defaultImageSize
	}
	if _, ok := imageSizes[size]; !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unsupported image size")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.images.baseURL+"/"+size+path, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid image path")
		return
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := s.images.client.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to fetch image")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		writeError(w, http.StatusNotFound, "not_found", "image not found")
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		writeError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode))
		return
	}
	if resp.ContentLength > maxProxiedImageBytes {
		writeError(w, http.StatusBadGateway, "upstream_error", "image too large")
		return
	}

	limited := io.LimitReader(resp.Body, maxProxiedImageBytes)
	head := make([]byte, 512)
	n, readErr := io.ReadFull(limited, head)
	if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to read image")
		return
	}
	head = head[:n]

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(head)
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		writeError(w, http.StatusBadGateway, "upstream_error", "not an image")
		return
	}

	w.Header().Set("Content-Type", contentType)
	// Provider image paths are content-addressed and never change.
	w.Header().Set("Cache-Control", "public, max-age=604800, immutable")
	// SVG is served from our origin; keep it inert if opened directly.
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", imageContentSecurityPolicy)
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(head)
	_, _ = io.Copy(w, limited)
}
