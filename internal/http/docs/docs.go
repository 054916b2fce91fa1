// Package docs holds the OpenAPI 2.0 description of the inspection API and
// registers it with swag so gin-swagger can serve it under /swagger.
//
// The document is maintained by hand; keep it in step with the routes in
// internal/http/router.go.
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
        "/events": {
            "get": {
                "summary": "Stream change notifications",
                "description": "Server-Sent Events named cache, queue or resync. A resync event means the client missed notifications and should re-read state.",
                "produces": ["text/event-stream"],
                "tags": ["events"],
                "parameters": [
                    {"type": "string", "description": "limit the stream to one instance", "name": "domain", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "event stream"},
                    "503": {"description": "no event source", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/instances": {
            "get": {
                "summary": "List mirrored instances",
                "produces": ["application/json"],
                "tags": ["instances"],
                "responses": {
                    "200": {"description": "instances", "schema": {"type": "object", "properties": {"instances": {"type": "array", "items": {"$ref": "#/definitions/Instance"}}}}}
                }
            }
        },
        "/instances/{domain}": {
            "get": {
                "summary": "Get one instance",
                "produces": ["application/json"],
                "tags": ["instances"],
                "parameters": [
                    {"$ref": "#/parameters/domain"}
                ],
                "responses": {
                    "200": {"description": "instance", "schema": {"$ref": "#/definitions/Instance"}},
                    "404": {"description": "unknown instance", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/instances/{domain}/guilds": {
            "get": {
                "summary": "List cached guilds",
                "produces": ["application/json"],
                "tags": ["guilds"],
                "parameters": [
                    {"$ref": "#/parameters/domain"}
                ],
                "responses": {
                    "200": {"description": "guild summaries"},
                    "404": {"description": "unknown instance", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/instances/{domain}/guilds/{guild}": {
            "get": {
                "summary": "Get one guild with its channels and roles",
                "produces": ["application/json"],
                "tags": ["guilds"],
                "parameters": [
                    {"$ref": "#/parameters/domain"},
                    {"$ref": "#/parameters/guild"}
                ],
                "responses": {
                    "200": {"description": "guild"},
                    "404": {"description": "unknown instance or guild", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/instances/{domain}/guilds/{guild}/member-list": {
            "get": {
                "summary": "Get the guild's display member list",
                "produces": ["application/json"],
                "tags": ["guilds"],
                "parameters": [
                    {"$ref": "#/parameters/domain"},
                    {"$ref": "#/parameters/guild"}
                ],
                "responses": {
                    "200": {"description": "group titles and members with resolved roles"},
                    "404": {"description": "unknown instance or guild", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/instances/{domain}/private-channels": {
            "get": {
                "summary": "List DM and group DM channels",
                "produces": ["application/json"],
                "tags": ["channels"],
                "parameters": [
                    {"$ref": "#/parameters/domain"}
                ],
                "responses": {
                    "200": {"description": "channels"},
                    "404": {"description": "unknown instance", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/instances/{domain}/channels/{channel}/messages": {
            "get": {
                "summary": "Page through cached messages",
                "produces": ["application/json"],
                "tags": ["messages"],
                "parameters": [
                    {"$ref": "#/parameters/domain"},
                    {"$ref": "#/parameters/channel"},
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "page_size", "in": "query"},
                    {"type": "string", "name": "If-None-Match", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "messages"},
                    "304": {"description": "not modified"},
                    "404": {"description": "unknown instance or channel", "schema": {"$ref": "#/definitions/Error"}}
                }
            },
            "post": {
                "summary": "Queue a message and send it",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["messages"],
                "parameters": [
                    {"$ref": "#/parameters/domain"},
                    {"$ref": "#/parameters/channel"},
                    {"$ref": "#/parameters/account"},
                    {"type": "string", "name": "Idempotency-Key", "in": "header"},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SendRequest"}}
                ],
                "responses": {
                    "200": {"description": "replayed for a repeated Idempotency-Key"},
                    "202": {"description": "queued message; status failed when the post was rejected"},
                    "400": {"description": "invalid content", "schema": {"$ref": "#/definitions/Error"}},
                    "404": {"description": "unknown instance or channel", "schema": {"$ref": "#/definitions/Error"}},
                    "429": {"description": "rate limited", "schema": {"$ref": "#/definitions/Error"}},
                    "502": {"description": "chat server error", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/instances/{domain}/channels/{channel}/messages/search": {
            "get": {
                "summary": "Rank cached messages against a query",
                "produces": ["application/json"],
                "tags": ["messages"],
                "parameters": [
                    {"$ref": "#/parameters/domain"},
                    {"$ref": "#/parameters/channel"},
                    {"type": "string", "name": "q", "in": "query", "required": true},
                    {"type": "integer", "name": "k", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "hits"},
                    "400": {"description": "missing query", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/instances/{domain}/channels/{channel}/history": {
            "post": {
                "summary": "Fetch older messages from the chat server into the cache",
                "produces": ["application/json"],
                "tags": ["messages"],
                "parameters": [
                    {"$ref": "#/parameters/domain"},
                    {"$ref": "#/parameters/channel"},
                    {"$ref": "#/parameters/account"},
                    {"type": "integer", "name": "limit", "in": "query"},
                    {"type": "string", "name": "before", "in": "query"},
                    {"type": "string", "name": "after", "in": "query"},
                    {"type": "string", "name": "around", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "count of messages added to the cache"},
                    "502": {"description": "chat server error", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/instances/{domain}/channels/{channel}/queue": {
            "get": {
                "summary": "List queued outbound messages for a channel",
                "produces": ["application/json"],
                "tags": ["queue"],
                "parameters": [
                    {"$ref": "#/parameters/domain"},
                    {"$ref": "#/parameters/channel"}
                ],
                "responses": {
                    "200": {"description": "queued messages"}
                }
            }
        },
        "/instances/{domain}/queue/{nonce}/retry": {
            "post": {
                "summary": "Resend a failed message",
                "produces": ["application/json"],
                "tags": ["queue"],
                "parameters": [
                    {"$ref": "#/parameters/domain"},
                    {"$ref": "#/parameters/nonce"}
                ],
                "responses": {
                    "202": {"description": "message"},
                    "404": {"description": "unknown nonce", "schema": {"$ref": "#/definitions/Error"}},
                    "409": {"description": "message is not failed", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/instances/{domain}/queue/{nonce}": {
            "delete": {
                "summary": "Drop a queued message",
                "tags": ["queue"],
                "parameters": [
                    {"$ref": "#/parameters/domain"},
                    {"$ref": "#/parameters/nonce"}
                ],
                "responses": {
                    "204": {"description": "removed"},
                    "404": {"description": "unknown nonce", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        }
    },
    "parameters": {
        "domain": {"type": "string", "description": "instance domain", "name": "domain", "in": "path", "required": true},
        "guild": {"type": "string", "description": "guild snowflake", "name": "guild", "in": "path", "required": true},
        "channel": {"type": "string", "description": "channel snowflake", "name": "channel", "in": "path", "required": true},
        "nonce": {"type": "string", "description": "queue nonce", "name": "nonce", "in": "path", "required": true},
        "account": {"type": "string", "description": "acting account user id", "name": "X-Account-ID", "in": "header", "required": true}
    },
    "definitions": {
        "Error": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "Instance": {
            "type": "object",
            "properties": {
                "domain": {"type": "string"},
                "connections": {"type": "array", "items": {"type": "object"}},
                "guilds": {"type": "integer"},
                "private_channels": {"type": "integer"},
                "users": {"type": "integer"},
                "queued": {"type": "integer"}
            }
        },
        "SendRequest": {
            "type": "object",
            "required": ["content"],
            "properties": {
                "content": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "go-chat-mirror API",
	Description:      "Read-only views of mirrored chat instances plus the outbound message queue.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
