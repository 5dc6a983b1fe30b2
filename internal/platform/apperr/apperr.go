// Package apperr defines the error kinds shared by services and handlers.
// Handlers and clients switch on Kind rather than on message text.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindSchemaMissing  Kind = "schema_missing"
	KindNetwork        Kind = "network"
	KindServer         Kind = "server"
	KindNotImplemented Kind = "not_implemented"
)

// Postgres SQLSTATE codes the mapper understands.
const (
	pgUndefinedTable      = "42P01"
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
	pgInvalidText         = "22P02"
)

// Error carries a Kind, a message safe to show to clients, and the cause.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Validation reports a missing or malformed input field.
func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: msg}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Message: resource + " not found"}
}

func NotImplemented(msg string) *Error {
	return &Error{Kind: KindNotImplemented, Message: msg}
}

// KindOf returns the kind of err, KindServer for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServer
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromDB classifies a pgx error. resource names the entity for not-found
// messages. Already typed errors pass through untouched.
func FromDB(err error, resource string) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Wrap(KindNotFound, resource+" not found", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUndefinedTable:
			return Wrap(KindSchemaMissing, "database schema is not initialised; run migrations", err)
		case pgForeignKeyViolation:
			return Wrap(KindValidation, "referenced record does not exist", err)
		case pgUniqueViolation:
			return Wrap(KindValidation, resource+" already exists", err)
		case pgCheckViolation, pgInvalidText:
			return Wrap(KindValidation, "invalid value for "+resource, err)
		}
		return Wrap(KindServer, "database error", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindNetwork, "upstream unavailable", err)
	}
	return err
}

// HTTPStatus maps a kind to the response status used by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNetwork:
		return http.StatusBadGateway
	case KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
