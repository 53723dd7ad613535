package server

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/SalesyAI/cvbanai-sub000/internal/handler"
	appmiddleware "github.com/SalesyAI/cvbanai-sub000/internal/middleware"
	"github.com/SalesyAI/cvbanai-sub000/internal/service"
)

type Server struct {
	echo           *echo.Echo
	paymentHandler *handler.PaymentHandler
}

func NewServer(paymentService service.PaymentService, frontendURL string) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	paymentHandler := handler.NewPaymentHandler(paymentService, frontendURL)

	s := &Server{
		echo:           e,
		paymentHandler: paymentHandler,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})

	api.GET("/products", s.paymentHandler.ListProducts)

	// -------- payments --------
	payments := api.Group("/payments")
	payments.POST("/pay", s.paymentHandler.Pay, appmiddleware.AuthMiddleware())
	payments.GET("/:paymentRef", s.paymentHandler.GetPaymentStatus)
	payments.POST("/:id/refund", s.paymentHandler.Refund)

	// -------- gateway redirect callback --------
	payments.GET("/callback", s.paymentHandler.HandleCallback)
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown() error {
	return s.echo.Close()
}
