package handler

import (
	"net/http"

	"PChat/logger"
	"PChat/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Resp struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func Ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Resp{Code: 0, Msg: "ok", Data: data})
}

// HTTPStatus 业务码 -> HTTP 状态
func HTTPStatus(code int) int {
	switch code {
	case errs.ArgsError:
		return http.StatusBadRequest
	case errs.NoPermissionError:
		return http.StatusForbidden
	case errs.RecordNotFoundError:
		return http.StatusNotFound
	case errs.InvalidStateError, errs.RecordExistsError:
		return http.StatusConflict
	case errs.DependencyUnavailableError:
		return http.StatusServiceUnavailable
	case errs.TokenInvalidError, errs.TokenExpiredError, errs.TokenMissingError:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func Fail(c *gin.Context, err error) {
	ce, ok := errs.AsCodeError(err)
	if !ok {
		ce = errs.ErrInternalServer
	}
	status := HTTPStatus(ce.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("[http] request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	r := Resp{Code: ce.Code, Msg: ce.Msg}
	// 内部错误不外露细节
	if status != http.StatusInternalServerError {
		r.Detail = ce.Detail
	}
	c.AbortWithStatusJSON(status, r)
}
