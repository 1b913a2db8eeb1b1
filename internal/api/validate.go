package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hackgods/clinic-reservation/internal/appointment"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	if err := v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		_, err := time.Parse(appointment.ClockLayout, s)
		return err == nil && len(s) == len(appointment.ClockLayout)
	}); err != nil {
		panic(err)
	}
	return v
}

var fieldMessages = map[string]string{
	"required": "is required",
	"uuid":     "must be a UUID",
	"datetime": "must be YYYY-MM-DD",
	"clock":    "must be HH:MM",
	"oneof":    "must be one of: %s",
	"max":      "must be at most %s characters",
}

// errMalformedBody is answered with 400; everything else wrong with a body
// that parsed is a 422.
var errMalformedBody = errors.New("malformed JSON body")

// decodeBody decodes and validates a JSON body. An empty body is accepted
// when optional is set.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return fmt.Errorf("%w: %v", errMalformedBody, err)
		}
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg, ok := fieldMessages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		if strings.Contains(msg, "%s") {
			msg = fmt.Sprintf(msg, fe.Param())
		}
		fields[fieldPath(fe.Namespace())] = msg
	}
	return &appointment.ValidationError{Fields: fields}
}

// fieldPath drops the struct name from a validator namespace, e.g.
// CreateAppointmentRequest.down_payment.payment_method.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
