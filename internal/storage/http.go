package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/gorilla/mux"
)

type httpStorage struct {
	url    string
	client *http.Client
}

// HTTP returns a read only storage backed by ranged GET requests against url.
func HTTP(url string, client *http.Client) Storage {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &httpStorage{url: url, client: client}
}

func (s *httpStorage) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	response, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrResource, err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case http.StatusOK:
		// server ignored the range
		if _, err := io.CopyN(io.Discard, response.Body, off); err != nil {
			return 0, io.EOF
		}
	default:
		return 0, fmt.Errorf("%w: http error: %s", models.ErrResource, response.Status)
	}

	n, err := io.ReadFull(response.Body, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

func (s *httpStorage) WriteAt(p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (s *httpStorage) Size() (int64, error) {
	response, err := s.client.Head(s.url)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrResource, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: http error: %s", models.ErrResource, response.Status)
	}
	return strconv.ParseInt(response.Header.Get("Content-Length"), 10, 64)
}

func (s *httpStorage) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// NewHandler serves each storage read only under /{name}, honouring Range
// headers so HTTP storages on other hosts can read from it.
func NewHandler(storages map[string]Storage) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		s, ok := storages[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		size, err := s.Size()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, name, time.Time{}, io.NewSectionReader(s, 0, size))
	}).Methods(http.MethodGet, http.MethodHead)
	return router
}
