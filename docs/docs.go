// Package docs registers the OpenAPI document served at /swagger. It follows
// the layout of `swag init` output; keep it in step with the handler
// annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/notifications": {
            "post": {
                "description": "Persists a notification and pushes it to every live session of the recipient. Replays with the same Idempotency-Key return the stored row without a second push.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Notifications"],
                "summary": "Create and push a notification",
                "parameters": [
                    {"type": "string", "description": "Caller id used to scope idempotency keys", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "description": "Idempotency key for safe retries", "name": "Idempotency-Key", "in": "header"},
                    {"description": "Notification payload", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CreateNotificationRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/domain.Notification"}},
                    "400": {"description": "Validation failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Idempotency-Key refers to a deleted notification", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/notifications/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Notifications"],
                "summary": "List a user's notifications (paginated)",
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"},
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 10, "description": "Items per page", "name": "limit", "in": "query"},
                    {"enum": ["unread", "read"], "type": "string", "description": "Status filter", "name": "status", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListNotificationsResponse"}},
                    "304": {"description": "Not Modified"},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "tags": ["Notifications"],
                "summary": "Delete one notification",
                "parameters": [
                    {"type": "string", "description": "Acting user", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "integer", "description": "Notification ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Missing user", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Notification not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/notifications/{id}/unread-count": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Notifications"],
                "summary": "Count unread notifications",
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.UnreadCountResponse"}},
                    "304": {"description": "Not Modified"},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/notifications/{id}/recent": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Notifications"],
                "summary": "Newest notifications for the dropdown preview",
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "id", "in": "path", "required": true},
                    {"minimum": 1, "type": "integer", "description": "Max items", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/domain.Notification"}}},
                    "304": {"description": "Not Modified"},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/notifications/{id}/read": {
            "patch": {
                "produces": ["application/json"],
                "tags": ["Notifications"],
                "summary": "Mark one notification as read",
                "parameters": [
                    {"type": "string", "description": "Acting user", "name": "X-User-ID", "in": "header", "required": true},
                    {"type": "integer", "description": "Notification ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Notification"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Missing user", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Notification not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/notifications/{id}/read-all": {
            "patch": {
                "produces": ["application/json"],
                "tags": ["Notifications"],
                "summary": "Mark every notification of a user as read",
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.MarkAllReadResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.Notification": {
            "type": "object",
            "properties": {
                "id": {"type": "integer", "example": 17},
                "userId": {"type": "string", "example": "42"},
                "type": {"type": "string", "enum": ["order", "event", "review", "comment", "system", "voucher", "loyalty"]},
                "title": {"type": "string", "example": "Order shipped"},
                "message": {"type": "string", "example": "Your order #1001 is on its way."},
                "status": {"type": "string", "enum": ["unread", "read"]},
                "createdAt": {"type": "string", "format": "date-time"}
            }
        },
        "handlers.CreateNotificationRequest": {
            "type": "object",
            "required": ["userId", "type", "title", "message"],
            "properties": {
                "userId": {"type": "string", "example": "42"},
                "type": {"type": "string", "example": "order"},
                "title": {"type": "string", "maxLength": 255, "example": "Order shipped"},
                "message": {"type": "string", "example": "Your order #1001 is on its way."}
            }
        },
        "handlers.ListNotificationsResponse": {
            "type": "object",
            "properties": {
                "items": {"type": "array", "items": {"$ref": "#/definitions/domain.Notification"}},
                "page": {"type": "integer", "example": 1},
                "pageSize": {"type": "integer", "example": 10},
                "total": {"type": "integer", "example": 23},
                "totalPages": {"type": "integer", "example": 3}
            }
        },
        "handlers.UnreadCountResponse": {
            "type": "object",
            "properties": {"unreadCount": {"type": "integer", "example": 3}}
        },
        "handlers.MarkAllReadResponse": {
            "type": "object",
            "properties": {"updated": {"type": "integer", "example": 5}}
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string", "example": "validation_failed"},
                "message": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Notification Backend API",
	Description:      "Persistent per-user notifications with real-time WebSocket fan-out.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
