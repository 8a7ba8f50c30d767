package endpoint

import "net/http"

// StringRenderer writes a string as the response body with an optional status
// code and content type.
//
// When ContentType is empty, StringRenderer defaults to
// "text/plain; charset=utf-8".
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

// setContentType sets Content-Type unless an outer processor already did.
func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") == "" {
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
	}
}

// Render implements Renderer for StringRenderer.
func (tr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, tr.ContentType)
	status := tr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if tr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(tr.Body))
	return err
}

// RedirectRenderer redirects the client to a new URL.
//
// If Status is 0, it defaults to http.StatusTemporaryRedirect (307).
type RedirectRenderer struct {
	URL    string
	Status int
}

// Render implements Renderer for RedirectRenderer.
func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := rr.Status
	if status == 0 {
		status = http.StatusTemporaryRedirect
	}
	http.Redirect(w, r, rr.URL, status)
	return nil
}
