package entity

import "time"

type Template struct {
	ID        string    `json:"id" mapstructure:"id" dynamo:"id,hash" validate:"required"`
	Channel   Channel   `json:"channel" mapstructure:"channel" dynamo:"channel" validate:"required,oneof=email sms chat voice"`
	Subject   string    `json:"subject,omitempty" mapstructure:"subject" dynamo:"subject"`
	Body      string    `json:"body" mapstructure:"body" dynamo:"body" validate:"required"`
	UpdatedAt time.Time `json:"updated_at" mapstructure:"-" dynamo:"updated_at"`
}
