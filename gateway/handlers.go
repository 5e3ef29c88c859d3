package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/example/campuseats/pkg/eta"
	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/orders"
	"github.com/example/campuseats/pkg/repository"
	"github.com/gin-gonic/gin"
)

// placeOrder godoc
// @Summary  Place an order
// @Tags     orders
// @Accept   json
// @Produce  json
// @Param    request body orders.PlaceRequest true "Checkout"
// @Success  201 {object} orders.Placement
// @Success  200 {object} orders.Placement "duplicate of an earlier request"
// @Failure  400 {object} errorResponse
// @Failure  503 {object} errorResponse
// @Router   /api/v1/orders [post]
func (g *Gateway) placeOrder(c *gin.Context) {
	var req orders.PlaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.badRequest(c, err)
		return
	}

	placement, err := g.orders.PlaceOrder(c.Request.Context(), &req)
	if err != nil {
		g.fail(c, err)
		return
	}

	status := http.StatusCreated
	if placement.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, placement)
}

type estimateRequest struct {
	Items []models.LineItem `json:"items"`
}

// estimate previews the ready-time breakdown for a cart without placing it.
func (g *Gateway) estimate(c *gin.Context) {
	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.badRequest(c, err)
		return
	}
	if len(req.Items) == 0 {
		g.badRequest(c, errors.New("cart is empty"))
		return
	}

	now := time.Now()
	b := eta.Estimate(req.Items, now.In(g.loc))
	c.JSON(http.StatusOK, gin.H{
		"breakdown":          b,
		"estimatedReadyTime": b.ReadyAt(now),
	})
}

// getOrder godoc
// @Summary  Get an order
// @Tags     orders
// @Produce  json
// @Param    id path string true "Order ID"
// @Success  200 {object} models.Order
// @Failure  404 {object} errorResponse
// @Router   /api/v1/orders/{id} [get]
func (g *Gateway) getOrder(c *gin.Context) {
	order, err := g.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (g *Gateway) orderHistory(c *gin.Context) {
	id := c.Param("id")
	if _, err := g.orders.GetOrder(c.Request.Context(), id); err != nil {
		g.fail(c, err)
		return
	}
	if g.history == nil {
		c.JSON(http.StatusOK, gin.H{"events": []*repository.AuditLog{}})
		return
	}

	events, err := g.history.GetAuditLogs(c.Request.Context(), id, historyLimit)
	if err != nil {
		g.fail(c, err)
		return
	}
	if events == nil {
		events = []*repository.AuditLog{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type statusRequest struct {
	ShopID             string             `json:"shopId"`
	Status             models.OrderStatus `json:"status"`
	CancellationReason string             `json:"cancellationReason"`
}

// updateOrderStatus godoc
// @Summary  Move an order to a new status
// @Tags     orders
// @Accept   json
// @Produce  json
// @Param    id      path string        true "Order ID"
// @Param    request body statusRequest true "Transition"
// @Success  200 {object} orders.TransitionResult
// @Failure  400 {object} errorResponse
// @Failure  403 {object} errorResponse
// @Failure  404 {object} errorResponse
// @Failure  409 {object} errorResponse
// @Router   /api/v1/orders/{id}/status [put]
func (g *Gateway) updateOrderStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.badRequest(c, err)
		return
	}

	result, err := g.orders.TransitionOrder(c.Request.Context(), &orders.TransitionRequest{
		OrderID: c.Param("id"),
		ShopID:  req.ShopID,
		Status:  req.Status,
		Reason:  req.CancellationReason,
	})
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (g *Gateway) cancellationReasons(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reasons": orders.CancellationReasons})
}

// shopOrders godoc
// @Summary  Seller dashboard orders and stats
// @Tags     shops
// @Produce  json
// @Param    shopId path string true "Shop ID"
// @Success  200 {object} orders.ShopDashboard
// @Router   /api/v1/shops/{shopId}/orders [get]
func (g *Gateway) shopOrders(c *gin.Context) {
	dashboard, err := g.orders.ListShopOrders(c.Request.Context(), c.Param("shopId"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dashboard)
}

func (g *Gateway) markCancelledViewed(c *gin.Context) {
	n, err := g.orders.MarkCancelledViewed(c.Request.Context(), c.Param("shopId"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viewedCount": n})
}

func (g *Gateway) studentOrders(c *gin.Context) {
	list, err := g.orders.ListStudentOrders(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

// listNotifications godoc
// @Summary  Newest notifications of a student
// @Tags     notifications
// @Produce  json
// @Param    studentId path string true "Student ID"
// @Success  200 {object} notify.Feed
// @Router   /api/v1/students/{studentId}/notifications [get]
func (g *Gateway) listNotifications(c *gin.Context) {
	feed, err := g.notify.List(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, feed)
}

func (g *Gateway) markNotificationRead(c *gin.Context) {
	n, err := g.notify.MarkRead(c.Request.Context(), c.Param("id"), c.Param("studentId"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": n})
}

func (g *Gateway) markAllNotificationsRead(c *gin.Context) {
	n, err := g.notify.MarkAllRead(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

type sendMessageRequest struct {
	SenderID   string            `json:"senderId"`
	SenderType models.SenderType `json:"senderType"`
	Message    string            `json:"message"`
}

// sendMessage godoc
// @Summary  Post to an order's chat
// @Tags     messages
// @Accept   json
// @Produce  json
// @Param    id      path string             true "Order ID"
// @Param    request body sendMessageRequest true "Message"
// @Success  201 {object} models.Message
// @Failure  409 {object} errorResponse "order closed or shop has not written yet"
// @Router   /api/v1/orders/{id}/messages [post]
func (g *Gateway) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.badRequest(c, err)
		return
	}

	msg, err := g.messages.Send(c.Request.Context(), c.Param("id"), req.SenderID, req.SenderType, req.Message)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (g *Gateway) listMessages(c *gin.Context) {
	thread, err := g.messages.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": thread})
}

type threadReadRequest struct {
	ReaderID   string            `json:"readerId"`
	ReaderRole models.SenderType `json:"readerRole"`
}

func (g *Gateway) markThreadRead(c *gin.Context) {
	var req threadReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.badRequest(c, err)
		return
	}

	n, err := g.messages.MarkThreadRead(c.Request.Context(), c.Param("id"), req.ReaderRole, req.ReaderID)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

func (g *Gateway) studentUnread(c *gin.Context) {
	summary, err := g.messages.StudentUnread(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (g *Gateway) shopUnread(c *gin.Context) {
	summary, err := g.messages.ShopUnread(c.Request.Context(), c.Param("shopId"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
