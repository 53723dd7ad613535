package handler

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/SalesyAI/cvbanai-sub000/internal/dto"
	"github.com/SalesyAI/cvbanai-sub000/internal/model"
	"github.com/SalesyAI/cvbanai-sub000/internal/repository"
	"github.com/SalesyAI/cvbanai-sub000/internal/service"
)

type PaymentHandler struct {
	paymentService service.PaymentService
	frontendURL    string
}

func NewPaymentHandler(paymentService service.PaymentService, frontendURL string) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		frontendURL:    frontendURL,
	}
}

func userIDFromContext(c echo.Context) (string, error) {
	userID, _ := c.Get("user_id").(string)
	if userID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing user")
	}
	return userID, nil
}

func (h *PaymentHandler) Pay(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := userIDFromContext(c)
	if err != nil {
		return err
	}

	var req dto.PayRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}
	if req.ProductID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing product_id")
	}

	result, err := h.paymentService.InitiatePayment(ctx, userID, req.ProductID, req.Ref)
	if err != nil {
		if errors.Is(err, service.ErrUnknownProduct) {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown product")
		}
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// HandleCallback receives the gateway's browser redirect, reconciles the
// purchase and forwards the user to the frontend result page with the
// passthrough parameters intact.
func (h *PaymentHandler) HandleCallback(c echo.Context) error {
	ctx := c.Request().Context()

	paymentRef := c.QueryParam("paymentID")
	status := service.CallbackStatus(c.QueryParam("status"))
	if paymentRef == "" {
		return c.String(http.StatusBadRequest, "invalid payment callback")
	}
	switch status {
	case service.CallbackSuccess, service.CallbackCancel, service.CallbackFailure:
	default:
		return c.String(http.StatusBadRequest, "invalid payment callback")
	}

	intent, err := h.paymentService.HandleCallback(ctx, paymentRef, status)
	if err != nil {
		if errors.Is(err, service.ErrUnknownReference) {
			return c.String(http.StatusBadRequest, "unknown payment reference")
		}
		// Transient failure; the record stays pending and the gateway or the
		// user can retry the redirect.
		return echo.NewHTTPError(http.StatusBadGateway, "payment reconciliation failed")
	}

	params := url.Values{}
	params.Set("status", string(intent.Status))
	params.Set("purchaseId", intent.ID)
	if v := c.QueryParam("productId"); v != "" {
		params.Set("productId", v)
	}
	if v := c.QueryParam("ref"); v != "" {
		params.Set("ref", v)
	}

	return c.Redirect(http.StatusFound, h.frontendURL+"/payment/result?"+params.Encode())
}

func (h *PaymentHandler) GetPaymentStatus(c echo.Context) error {
	ctx := c.Request().Context()

	paymentRef := c.Param("paymentRef")
	intent, err := h.paymentService.SyncPaymentStatus(ctx, paymentRef)
	if err != nil {
		if errors.Is(err, service.ErrUnknownReference) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown payment reference")
		}
		return err
	}

	return c.JSON(http.StatusOK, statusResponse(intent))
}

func (h *PaymentHandler) Refund(c echo.Context) error {
	ctx := c.Request().Context()

	purchaseID := c.Param("id")

	var req dto.RefundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	refundTrxID, err := h.paymentService.RefundPayment(ctx, purchaseID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPurchaseNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "unknown purchase")
		case errors.Is(err, service.ErrNotRefundable):
			return echo.NewHTTPError(http.StatusConflict, "purchase is not refundable")
		}
		return err
	}

	return c.JSON(http.StatusOK, &dto.RefundResponse{
		RefundTrxID: refundTrxID,
	})
}

func (h *PaymentHandler) ListProducts(c echo.Context) error {
	ctx := c.Request().Context()

	products, err := h.paymentService.ListProducts(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, products)
}

func statusResponse(intent *model.PurchaseIntent) *dto.StatusResponse {
	return &dto.StatusResponse{
		PurchaseID:    intent.ID,
		ProductID:     intent.ProductID,
		Status:        string(intent.Status),
		Amount:        intent.Amount,
		Currency:      intent.Currency,
		TransactionID: intent.Metadata["transactionId"],
	}
}
