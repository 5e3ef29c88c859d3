// Package docs registers the OpenAPI description served under /swagger.
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
        "/orders": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Place an order",
                "parameters": [
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/orders.PlaceRequest"}}
                ],
                "responses": {
                    "200": {"description": "duplicate of an earlier request", "schema": {"$ref": "#/definitions/orders.Placement"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/orders.Placement"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/gateway.errorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/gateway.errorResponse"}}
                }
            }
        },
        "/orders/estimate": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Preview the ready-time breakdown of a cart",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/orders/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Get an order",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.Order"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/gateway.errorResponse"}}
                }
            }
        },
        "/orders/{id}/history": {
            "get": {
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Audit trail of an order",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/orders/{id}/status": {
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["orders"],
                "summary": "Move an order to a new status",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/gateway.statusRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/gateway.errorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/gateway.errorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/gateway.errorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/gateway.errorResponse"}}
                }
            }
        },
        "/orders/{id}/messages": {
            "get": {
                "produces": ["application/json"],
                "tags": ["messages"],
                "summary": "Chat thread of an order",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["messages"],
                "summary": "Post to an order's chat",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/gateway.sendMessageRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created"},
                    "409": {"description": "order closed or shop has not written yet", "schema": {"$ref": "#/definitions/gateway.errorResponse"}}
                }
            }
        },
        "/orders/{id}/messages/read": {
            "post": {
                "consumes": ["application/json"],
                "tags": ["messages"],
                "summary": "Mark the counterpart's messages read",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/shops/{shopId}/orders": {
            "get": {
                "produces": ["application/json"],
                "tags": ["shops"],
                "summary": "Seller dashboard orders and stats",
                "parameters": [{"type": "string", "name": "shopId", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/students/{studentId}/notifications": {
            "get": {
                "produces": ["application/json"],
                "tags": ["notifications"],
                "summary": "Newest notifications of a student",
                "parameters": [{"type": "string", "name": "studentId", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        }
    },
    "definitions": {
        "gateway.errorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "kind": {"type": "string"}
            }
        },
        "gateway.statusRequest": {
            "type": "object",
            "properties": {
                "shopId": {"type": "string"},
                "status": {"type": "string", "enum": ["pending", "preparing", "ready", "completed", "cancelled"]},
                "cancellationReason": {"type": "string"}
            }
        },
        "gateway.sendMessageRequest": {
            "type": "object",
            "properties": {
                "senderId": {"type": "string"},
                "senderType": {"type": "string", "enum": ["shop", "student"]},
                "message": {"type": "string"}
            }
        },
        "models.LineItem": {
            "type": "object",
            "properties": {
                "menuItem": {"type": "object"},
                "quantity": {"type": "integer"}
            }
        },
        "models.Order": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "studentId": {"type": "string"},
                "studentName": {"type": "string"},
                "shopId": {"type": "string"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/models.LineItem"}},
                "total": {"type": "number"},
                "status": {"type": "string"},
                "orderType": {"type": "string"},
                "orderTime": {"type": "string"},
                "estimatedReadyTime": {"type": "string"},
                "cancellationReason": {"type": "string"}
            }
        },
        "orders.PlaceRequest": {
            "type": "object",
            "properties": {
                "studentId": {"type": "string"},
                "studentName": {"type": "string"},
                "shopId": {"type": "string"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/models.LineItem"}},
                "total": {"type": "number"},
                "orderType": {"type": "string", "enum": ["pickup", "dine-in"]},
                "requestId": {"type": "string"}
            }
        },
        "orders.Placement": {
            "type": "object",
            "properties": {
                "order": {"$ref": "#/definitions/models.Order"},
                "duplicate": {"type": "boolean"}
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
	Title:            "Campus Eats API",
	Description:      "Order lifecycle, notifications and order chat for campus food courts.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
