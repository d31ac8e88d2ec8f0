package models

// Application represents an application. Variables carries the integration
// settings, e.g. http_endpoint or mqtt_topic.
type Application struct {
	TenantModel

	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Variables   Variables `json:"variables,omitempty" db:"variables"`
}
