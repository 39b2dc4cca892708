package command

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	logx "nudgebot/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (out string, err error) {
			defer func() {
				if p := recover(); p != nil {
					logger := log
					if !req.Log.IsZero() {
						logger = req.Log
					}
					logger.Error("panic recovered", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					out, err = "", errors.New("internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			logger := log
			if !req.Log.IsZero() {
				logger = req.Log
			}
			out, err := next(ctx, req)
			d := time.Since(start)
			var ue usageError
			switch {
			case errors.As(err, &ue):
				logger.Debug("request rejected", logx.String("usage", ue.Error()), logx.Duration("dur", d))
			case err != nil:
				logger.Warn("request failed", logx.Err(err), logx.Duration("dur", d))
			case d >= 750*time.Millisecond:
				logger.Info("request ok", logx.Duration("dur", d))
			default:
				logger.Debug("request ok", logx.Duration("dur", d))
			}
			return out, err
		}
	}
}
