package validate

import (
	"reflect"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	instance *validator.Validate
	once     sync.Once
)

// Get returns the shared validator with the payment rules registered
func Get() *validator.Validate {
	once.Do(CustomValidate)
	return instance
}

// CustomValidate builds the shared validator instance and registers the
// custom rules used by the payment DTOs: decimal fields participate in the
// numeric comparisons (gt, gte, ...) and `currency` checks ISO-4217 shape.
func CustomValidate() {
	v := validator.New()
	v.RegisterCustomTypeFunc(decimalAsFloat, decimal.Decimal{})
	_ = v.RegisterValidation("currency", validCurrency)
	instance = v
}

// decimalAsFloat lets validator compare decimal.Decimal fields numerically
func decimalAsFloat(field reflect.Value) any {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		f, _ := d.Float64()
		return f
	}
	return nil
}

// validCurrency accepts three-letter currency codes; canonicalization to
// uppercase happens before persistence, not here.
func validCurrency(fl validator.FieldLevel) bool {
	code := fl.Field().String()
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
