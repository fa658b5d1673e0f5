package api

import (
	"sync"

	"journal-billing/internal/models"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// RegisterValidators adds the custom binding rules used by request structs.
func RegisterValidators() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("tradetype", validTradeType)
		}
	})
}

func validTradeType(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case models.TradeTypeNative, models.TradeTypeH5:
		return true
	}
	return false
}
