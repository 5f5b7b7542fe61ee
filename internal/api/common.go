package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/netguy001/algobot-go/internal/domain"
)

// handleError 把业务错误映射为 HTTP 响应。
// 校验拒绝携带结构化原因码，客户端据此区分预期拒绝与系统故障。
func handleError(c *fiber.Ctx, err error) error {
	var vr *domain.ValidationRejectedError
	if errors.As(err, &vr) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"Error":  "order rejected",
			"Reason": vr.Reason,
		})
	}

	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Code).JSON(fiber.Map{"Error": appErr.Message})
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"Error": err.Error()})
	case errors.Is(err, domain.ErrAccountFrozen):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"Error": err.Error()})
	case errors.Is(err, domain.ErrInsufficientCapital):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"Error": err.Error()})
	case errors.Is(err, domain.ErrSubmissionFailed):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"Error": err.Error()})
	}

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"Error": "internal error"})
}
