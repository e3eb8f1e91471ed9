package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/render"
)

func writeError(w http.ResponseWriter, req *http.Request, status int, code string, err error) {
	body := map[string]any{"success": false, "error": code}
	if err != nil {
		body["detail"] = err.Error()
	}
	render.Status(req, status)
	render.JSON(w, req, body)
}

// queryInt returns 0 for missing or malformed values; callers normalise.
func queryInt(req *http.Request, key string) int {
	i, err := strconv.Atoi(req.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return i
}
