package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ConfigError 表示启动时发现的致命配置错误，Field为出错的配置键
type ConfigError struct {
	Field  string
	Reason string
}

// Error 实现error接口
func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置无效: %s: %s", e.Field, e.Reason)
}

// NewConfigError 创建配置错误
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// IsConfigError 判断err链中是否有ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// 使用配置键名而不是Go字段名报告错误
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Validate 校验配置，返回第一个出错字段对应的ConfigError
func Validate(cfg *Config) error {
	err := getValidator().Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return NewConfigError("config", err.Error())
	}

	fe := verrs[0]
	return NewConfigError(fieldPath(fe.Namespace()), describe(fe))
}

// fieldPath 去掉命名空间开头的根结构体名
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "不能为空"
	case "gt":
		return "必须大于" + fe.Param()
	case "gte":
		return "不能小于" + fe.Param()
	case "lte":
		return "不能大于" + fe.Param()
	case "ltefield":
		return "不能大于" + fe.Param()
	case "oneof":
		return "必须是以下之一: " + fe.Param()
	case "unique":
		return "存在重复的" + fe.Param()
	default:
		return fmt.Sprintf("校验失败(%s)", fe.Tag())
	}
}
