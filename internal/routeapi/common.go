package routeapi

import (
	"context"
	"net/http"

	"github.com/go-chi/render"
)

// apiError is the body of every failed request
type apiError struct {
	status int
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (e *apiError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.status)
	return nil
}

// errRender answers with status. The cause of a 5xx stays in the log,
// anything below is echoed back as detail.
func errRender(status int, cause error) render.Renderer {
	e := &apiError{status: status, Error: http.StatusText(status)}
	if cause != nil && status < http.StatusInternalServerError {
		e.Detail = cause.Error()
	}
	return e
}

type ctxKey int

const plateKey ctxKey = iota

func plateFrom(ctx context.Context) string {
	plate, _ := ctx.Value(plateKey).(string)
	return plate
}
