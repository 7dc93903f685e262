package dto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/caat/taskwatch/internal/domain"
)

var validate = validator.New()

type CreateTaskRequest struct {
	Kind       string       `json:"kind" validate:"required"`
	Category   string       `json:"category"`
	Owner      string       `json:"owner" validate:"required"`
	Parameters domain.JSONB `json:"parameters,omitempty"`
}

func (r *CreateTaskRequest) Validate() []string {
	return validationMessages(validate.Struct(r))
}

// DeleteTasksRequest caps ids at tracker.MaxDeleteBatch; the tracker splits larger sets.
type DeleteTasksRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=500,dive,required"`
}

func (r *DeleteTasksRequest) Validate() []string {
	return validationMessages(validate.Struct(r))
}

type PurgeTasksRequest struct {
	Category    string `json:"category" validate:"required"`
	ConfirmText string `json:"confirm_text" validate:"required"`
}

func (r *PurgeTasksRequest) Validate() []string {
	return validationMessages(validate.Struct(r))
}

type DeletedResponse struct {
	Deleted int `json:"deleted"`
}

func validationMessages(err error) []string {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := jsonName(fe.StructField())
		switch fe.Tag() {
		case "required":
			messages = append(messages, field+" is required")
		case "min":
			messages = append(messages, fmt.Sprintf("%s must contain at least %s item(s)", field, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must contain at most %s items", field, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return messages
}

func jsonName(field string) string {
	switch field {
	case "IDs":
		return "ids"
	case "ConfirmText":
		return "confirm_text"
	}
	return strings.ToLower(field)
}
