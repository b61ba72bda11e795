package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Conservatory API",
        "description": "Lesson scheduling and invoice reconciliation for music schools",
        "version": "0.1.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Lessons", "description": "Lesson lifecycle and change negotiation"},
        {"name": "Invoices", "description": "Monthly invoice reconciliation and payments"},
        {"name": "Statements", "description": "Asynchronous invoice statement exports"}
    ],
    "paths": {
        "/lessons": {
            "get": {
                "tags": ["Lessons"],
                "summary": "List lessons visible to the caller",
                "parameters": [
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "from", "in": "query", "type": "string"},
                    {"name": "to", "in": "query", "type": "string"},
                    {"name": "sortOrder", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "pageSize", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Lessons"],
                "summary": "Create lesson",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateLessonRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/lessons/{id}": {
            "get": {
                "tags": ["Lessons"],
                "summary": "Get lesson",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Lessons"],
                "summary": "Edit lesson directly",
                "description": "Rejected with 409 while a student change request is pending.",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateLessonRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/lessons/{id}/confirm": {
            "post": {
                "tags": ["Lessons"],
                "summary": "Confirm attendance",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/lessons/{id}/reschedule": {
            "post": {
                "tags": ["Lessons"],
                "summary": "Request a reschedule",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RescheduleRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/lessons/{id}/cancel": {
            "post": {
                "tags": ["Lessons"],
                "summary": "Request a cancellation",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CancelRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/lessons/{id}/reschedule/decision": {
            "post": {
                "tags": ["Lessons"],
                "summary": "Approve or deny a pending reschedule",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/lessons/{id}/cancel/decision": {
            "post": {
                "tags": ["Lessons"],
                "summary": "Approve or deny a pending cancellation",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/invoices": {
            "get": {
                "tags": ["Invoices"],
                "summary": "List invoices visible to the caller",
                "parameters": [
                    {"name": "studentId", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "month", "in": "query", "type": "integer"},
                    {"name": "year", "in": "query", "type": "integer"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "pageSize", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Invoices"],
                "summary": "Create invoice manually",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateInvoiceRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Duplicate billing period", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/invoices/generate": {
            "post": {
                "tags": ["Invoices"],
                "summary": "Reconcile invoices for a billing month",
                "description": "Idempotent: re-running a period overwrites existing invoices instead of duplicating them.",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/GenerateInvoicesRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/invoices/{id}": {
            "get": {
                "tags": ["Invoices"],
                "summary": "Get invoice",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Invoices"],
                "summary": "Update invoice",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateInvoiceRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Invoices"],
                "summary": "Delete invoice",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "No Content"}
                }
            }
        },
        "/invoices/{id}/pay": {
            "post": {
                "tags": ["Invoices"],
                "summary": "Mark invoice paid",
                "description": "Amount defaults to the invoice total and date to now when omitted.",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "schema": {"$ref": "#/definitions/PayInvoiceRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/statements": {
            "post": {
                "tags": ["Statements"],
                "summary": "Queue an invoice statement export",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/StatementRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/statements/{id}": {
            "get": {
                "tags": ["Statements"],
                "summary": "Statement job status",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/statements/download": {
            "get": {
                "tags": ["Statements"],
                "summary": "Download a finished statement",
                "parameters": [
                    {"name": "token", "in": "query", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "File stream"},
                    "403": {"description": "Invalid or expired token"}
                }
            }
        }
    },
    "definitions": {
        "Lesson": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "teacher_id": {"type": "string"},
                "student_ids": {"type": "array", "items": {"type": "string"}},
                "type": {"type": "string"},
                "title": {"type": "string"},
                "description": {"type": "string"},
                "location": {"type": "string"},
                "scheduled_date": {"type": "string"},
                "duration_minutes": {"type": "integer"},
                "status": {"type": "string"},
                "attendance_confirmed": {"type": "boolean"},
                "reschedule_reason": {"type": "string"},
                "cancel_reason": {"type": "string"},
                "notes": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "Invoice": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "student_id": {"type": "string"},
                "teacher_id": {"type": "string"},
                "month": {"type": "integer"},
                "year": {"type": "integer"},
                "lesson_ids": {"type": "array", "items": {"type": "string"}},
                "total_amount": {"type": "number"},
                "paid_amount": {"type": "number"},
                "status": {"type": "string"},
                "due_date": {"type": "string"},
                "paid_date": {"type": "string"},
                "notes": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "CreateLessonRequest": {
            "type": "object",
            "properties": {
                "type": {"type": "string"},
                "title": {"type": "string"},
                "description": {"type": "string"},
                "teacher_id": {"type": "string"},
                "student_ids": {"type": "array", "items": {"type": "string"}},
                "scheduled_date": {"type": "string"},
                "duration_minutes": {"type": "integer"},
                "location": {"type": "string"},
                "notes": {"type": "string"}
            },
            "required": ["type", "title", "student_ids", "scheduled_date", "duration_minutes"]
        },
        "UpdateLessonRequest": {
            "type": "object",
            "properties": {
                "type": {"type": "string"},
                "title": {"type": "string"},
                "description": {"type": "string"},
                "student_ids": {"type": "array", "items": {"type": "string"}},
                "scheduled_date": {"type": "string"},
                "duration_minutes": {"type": "integer"},
                "location": {"type": "string"},
                "status": {"type": "string"},
                "notes": {"type": "string"}
            }
        },
        "RescheduleRequest": {
            "type": "object",
            "properties": {
                "reason": {"type": "string"},
                "new_date": {"type": "string"}
            },
            "required": ["reason"]
        },
        "CancelRequest": {
            "type": "object",
            "properties": {
                "reason": {"type": "string"}
            },
            "required": ["reason"]
        },
        "DecisionRequest": {
            "type": "object",
            "properties": {
                "approved": {"type": "boolean"},
                "new_date": {"type": "string"}
            },
            "required": ["approved"]
        },
        "GenerateInvoicesRequest": {
            "type": "object",
            "properties": {
                "month": {"type": "integer"},
                "year": {"type": "integer"}
            },
            "required": ["month", "year"]
        },
        "PayInvoiceRequest": {
            "type": "object",
            "properties": {
                "paid_amount": {"type": "number"},
                "paid_date": {"type": "string"}
            }
        },
        "CreateInvoiceRequest": {
            "type": "object",
            "properties": {
                "student_id": {"type": "string"},
                "teacher_id": {"type": "string"},
                "month": {"type": "integer"},
                "year": {"type": "integer"},
                "lesson_ids": {"type": "array", "items": {"type": "string"}},
                "total_amount": {"type": "number"},
                "due_date": {"type": "string"},
                "notes": {"type": "string"}
            },
            "required": ["student_id", "teacher_id", "month", "year", "total_amount"]
        },
        "UpdateInvoiceRequest": {
            "type": "object",
            "properties": {
                "lesson_ids": {"type": "array", "items": {"type": "string"}},
                "total_amount": {"type": "number"},
                "paid_amount": {"type": "number"},
                "status": {"type": "string"},
                "due_date": {"type": "string"},
                "paid_date": {"type": "string"},
                "notes": {"type": "string"}
            }
        },
        "StatementRequest": {
            "type": "object",
            "properties": {
                "month": {"type": "integer"},
                "year": {"type": "integer"},
                "format": {"type": "string", "enum": ["csv", "pdf"]},
                "student_id": {"type": "string"}
            },
            "required": ["month", "year", "format"]
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
