// Package response defines the JSON envelope every portal API reply uses.
// Clients branch on Success and read Data or Error, never the raw body.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the reply envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func reply(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Body{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Body{Success: false, Error: msg})
}

// OK sends 200 with data.
func OK(c *gin.Context, data interface{}) { reply(c, http.StatusOK, data) }

// Created sends 201 with data.
func Created(c *gin.Context, data interface{}) { reply(c, http.StatusCreated, data) }

// NoContent sends 204.
func NoContent(c *gin.Context) { c.Status(http.StatusNoContent) }

// BadRequest sends 400 with an error message.
func BadRequest(c *gin.Context, msg string) { fail(c, http.StatusBadRequest, msg) }

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, msg string) { fail(c, http.StatusUnauthorized, msg) }

// Forbidden sends 403.
func Forbidden(c *gin.Context, msg string) { fail(c, http.StatusForbidden, msg) }

// NotFound sends 404.
func NotFound(c *gin.Context, msg string) { fail(c, http.StatusNotFound, msg) }

// Conflict sends 409. Used when a session is already ended or archived.
func Conflict(c *gin.Context, msg string) { fail(c, http.StatusConflict, msg) }

// Internal sends 500.
func Internal(c *gin.Context, msg string) { fail(c, http.StatusInternalServerError, msg) }

// ServiceUnavailable sends 503. Used when the upload pipeline is not
// configured.
func ServiceUnavailable(c *gin.Context, msg string) { fail(c, http.StatusServiceUnavailable, msg) }
