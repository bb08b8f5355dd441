// Package docs registers the OpenAPI document served under /swagger/.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{.Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/v1/epochs": {
            "get": {
                "tags": ["epochs"],
                "summary": "Find an epoch by its date",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "Epoch date (YYYY-MM-DD)", "name": "date", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/EpochResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ErrorResponse"}}
                }
            }
        },
        "/v1/epochs/{epoch_id}": {
            "get": {
                "tags": ["epochs"],
                "summary": "Get settlement state of an epoch",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "integer", "description": "Epoch ID", "name": "epoch_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/EpochResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ErrorResponse"}}
                }
            }
        },
        "/v1/epochs/{epoch_id}/rewards": {
            "get": {
                "tags": ["rewards"],
                "summary": "List reward records of one channel",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "integer", "description": "Epoch ID", "name": "epoch_id", "in": "path", "required": true},
                    {"type": "string", "enum": ["wubi", "wupi"], "name": "channel", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/RewardsResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/ErrorResponse"}}
                }
            }
        },
        "/v1/epochs/{epoch_id}/regenerate": {
            "post": {
                "tags": ["epochs"],
                "summary": "Queue reward regeneration for an epoch",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "integer", "description": "Epoch ID", "name": "epoch_id", "in": "path", "required": true},
                    {"description": "Scope", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RegenerateRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/EpochResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/ErrorResponse"}}
                }
            }
        },
        "/v1/emission/{date}": {
            "get": {
                "tags": ["emission"],
                "summary": "Emission split for a date",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "Date (YYYY-MM-DD)", "name": "date", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/EmissionResponse"}}
                }
            }
        }
    },
    "definitions": {
        "ErrorResponse": {
            "type": "object",
            "properties": {"code": {"type": "string"}, "message": {"type": "string"}}
        },
        "RegenerateRequest": {
            "type": "object",
            "properties": {"type": {"type": "string", "enum": ["wUBI", "wUPI", "both"]}}
        },
        "ChannelDTO": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "pool": {"type": "string"},
                "network_score": {"type": "string"},
                "nodes_total": {"type": "integer"},
                "nodes_with_score": {"type": "integer"},
                "messages_sent": {"type": "integer"},
                "messages_received": {"type": "integer"},
                "retry_count": {"type": "integer"},
                "is_retrying": {"type": "boolean"},
                "error_message": {"type": "string"},
                "rewards": {"type": "integer"}
            }
        },
        "EpochResponse": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "date": {"type": "string"},
                "status": {"type": "string"},
                "wubi": {"$ref": "#/definitions/ChannelDTO"},
                "wupi": {"$ref": "#/definitions/ChannelDTO"},
                "processing_metrics": {"type": "object"},
                "regenerate_rewards_status": {"type": "string"},
                "regenerate_rewards_type": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "RewardsResponse": {
            "type": "object",
            "properties": {
                "epoch_id": {"type": "integer"},
                "channel": {"type": "string"},
                "items": {"type": "array", "items": {"type": "object"}}
            }
        },
        "EmissionResponse": {
            "type": "object",
            "properties": {
                "date": {"type": "string"},
                "period": {"type": "string"},
                "epoch_number": {"type": "integer"},
                "epoch_year": {"type": "integer"},
                "total": {"type": "string"},
                "oracle": {"type": "string"},
                "manufacturers": {"type": "string"},
                "hotspots": {"type": "string"},
                "wubi": {"type": "string"},
                "wupi": {"type": "string"}
            }
        }
    }
}`

var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Epoch Settlement API",
	Description:      "Read and operator endpoints of the reward settlement pipeline.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
