package handlers

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// cancelRequest is the payload for POST /v1/cancel.
type cancelRequest struct {
	ClientCancelID string   `json:"client_cancel_id" validate:"required,max=128"`
	JobID          string   `json:"job_id,omitempty" validate:"omitempty,max=64"`
	PhotoIDs       []string `json:"photo_ids,omitempty" validate:"max=100,dive,required,max=64"`
	TaskIDs        []string `json:"task_ids,omitempty" validate:"max=100,dive,required,max=64"`
	Reason         string   `json:"reason,omitempty" validate:"max=500"`
}

// submitJSONRequest is the JSON form of POST /v1/photos.
type submitJSONRequest struct {
	ImageDataURL string `json:"image_data_url" validate:"required"`
	Comment      string `json:"comment,omitempty" validate:"max=1000"`
	MealType     string `json:"meal_type,omitempty" validate:"omitempty,oneof=breakfast lunch dinner snack"`
	Date         string `json:"date,omitempty"`
	Locale       string `json:"locale,omitempty" validate:"omitempty,max=16"`
}

// submitForm carries the multipart fields of POST /v1/photos next to the image part.
type submitForm struct {
	Comment  string `json:"comment" validate:"max=1000"`
	MealType string `json:"meal_type" validate:"omitempty,oneof=breakfast lunch dinner snack"`
	Date     string `json:"date"`
	Locale   string `json:"locale" validate:"omitempty,max=16"`
}

// newValidator reports fields by their JSON names.
func newValidator() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bindAndValidate binds the JSON body into out and validates it. On failure it
// writes a 400 and returns the error so the handler can stop.
func bindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request_too_large"})
			return err
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request_body",
			"msg":   err.Error(),
		})
		return err
	}

	return validate(c, out, v)
}

// validate runs struct validation and writes a 400 listing the failing fields.
func validate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := v.Struct(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation_failed",
			"fields": validationErrorsToMap(err),
		})
		return err
	}
	return nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}
