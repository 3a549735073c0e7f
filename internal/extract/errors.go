package extract

import (
	"errors"
	"net/http"
)

// InputError is a problem with the submitted file itself.
type InputError struct {
	Message string
}

func (e *InputError) Error() string   { return e.Message }
func (e *InputError) HTTPStatus() int { return http.StatusBadRequest }

type statusCoder interface {
	HTTPStatus() int
}

// HTTPStatus maps an extraction error onto the status a caller should see:
// 4xx for input problems, 5xx for everything else.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsClientFault reports whether err was caused by the submitted input.
func IsClientFault(err error) bool {
	s := HTTPStatus(err)
	return s >= 400 && s < 500
}
