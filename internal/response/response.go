// Package response defines the JSON envelope every billing endpoint answers
// with, except the gateway callback and the poller status endpoint whose
// shapes are fixed by their clients.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success returns a success response
func Success(data interface{}) Response {
	return Response{
		Success: true,
		Message: "success",
		Data:    data,
	}
}

// Error returns an error response. An empty message falls back to the
// status text.
func Error(statusCode int, message string) Response {
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return Response{
		Success: false,
		Message: message,
	}
}

// SuccessJSON sends a success JSON response
func SuccessJSON(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Success(data))
}

// ErrorJSON sends an error JSON response
func ErrorJSON(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, Error(statusCode, message))
}

// AbortJSON sends an error response and stops the handler chain.
func AbortJSON(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, Error(statusCode, message))
}
