package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/logging"
	"github.com/example/campuseats/pkg/poller"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	api := flag.String("api", "http://localhost:8080", "API base URL")
	studentID := flag.String("student", "", "student whose orders, notifications and chats to follow")
	shopID := flag.String("shop", "", "shop whose dashboard and chats to follow")
	flag.Parse()

	if *studentID == "" && *shopID == "" {
		fmt.Fprintln(os.Stderr, "one of -student or -shop is required")
		os.Exit(2)
	}

	logger, err := logging.New(&config.LogConfig{Level: "info", Encoding: "console"})
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := poller.NewClient(*api, 10*time.Second)
	onErr := func(view string) func(error) {
		return func(err error) {
			logger.Warn("Poll failed, retrying next tick", zap.String("view", view), zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if *studentID != "" {
		orderWatcher := poller.NewOrderWatcher()
		g.Go(func() error {
			poller.Every(gctx, poller.OrderTrackerInterval, func(ctx context.Context) error {
				list, err := client.StudentOrders(ctx, *studentID)
				if err != nil {
					return err
				}
				for _, c := range orderWatcher.Diff(list) {
					logger.Info("Order status changed",
						zap.String("order_id", c.OrderID),
						zap.String("from", string(c.From)),
						zap.String("to", string(c.To)))
				}
				return nil
			}, onErr("orders"))
			return nil
		})

		bell := poller.NewNotificationWatcher()
		g.Go(func() error {
			poller.Every(gctx, poller.NotificationInterval, func(ctx context.Context) error {
				feed, err := client.Notifications(ctx, *studentID)
				if err != nil {
					return err
				}
				for _, n := range bell.Diff(feed.Notifications) {
					logger.Info(n.Title, zap.String("order_id", n.OrderID), zap.String("message", n.Message))
				}
				return nil
			}, onErr("notifications"))
			return nil
		})

		chats := poller.NewMessageWatcher()
		g.Go(func() error {
			poller.Every(gctx, poller.MessageMonitorInterval, func(ctx context.Context) error {
				summary, err := client.StudentUnread(ctx, *studentID)
				if err != nil {
					return err
				}
				for _, a := range chats.Diff(summary) {
					logger.Info("New message from shop",
						zap.String("order_id", a.OrderID),
						zap.String("shop", a.ShopName),
						zap.Int("new", a.NewMessages))
				}
				return nil
			}, onErr("student messages"))
			return nil
		})
	}

	if *shopID != "" {
		board := poller.NewDashboardWatcher()
		g.Go(func() error {
			poller.Every(gctx, poller.SellerDashboardInterval, func(ctx context.Context) error {
				dashboard, err := client.ShopOrders(ctx, *shopID)
				if err != nil {
					return err
				}
				alerts := board.Diff(dashboard)
				for _, id := range alerts.NewOrders {
					logger.Info("New order", zap.String("order_id", id))
				}
				for _, id := range alerts.Cancellations {
					logger.Info("Order cancelled", zap.String("order_id", id))
				}
				if !alerts.Empty() {
					logger.Info("Dashboard",
						zap.Int("pending", dashboard.Stats.Pending),
						zap.Int("today_orders", dashboard.Stats.Today.Orders),
						zap.Float64("today_revenue", dashboard.Stats.Today.Revenue))
				}
				return nil
			}, onErr("shop orders"))
			return nil
		})

		chats := poller.NewMessageWatcher()
		g.Go(func() error {
			poller.Every(gctx, poller.MessageMonitorInterval, func(ctx context.Context) error {
				summary, err := client.ShopUnread(ctx, *shopID)
				if err != nil {
					return err
				}
				for _, a := range chats.Diff(summary) {
					logger.Info("New message from student",
						zap.String("order_id", a.OrderID),
						zap.String("student", a.StudentName),
						zap.Int("new", a.NewMessages))
				}
				return nil
			}, onErr("shop messages"))
			return nil
		})
	}

	_ = g.Wait()
	logger.Info("Tracker stopped")
}
