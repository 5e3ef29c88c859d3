package orders

import (
	"context"
	"fmt"
	"sort"

	"github.com/example/campuseats/pkg/models"
	"github.com/example/campuseats/pkg/repository"
	"go.uber.org/zap"
)

type RebuildReport struct {
	Orders        int `json:"orders"`
	Shops         int `json:"shops"`
	Students      int `json:"students"`
	UnreadThreads int `json:"unreadThreads"`
	Notifications int `json:"notifications"`
	ViewedPruned  int `json:"viewedPruned"`
}

// RebuildIndexes regenerates every id list from the order, message and
// notification records: shop orders, student orders, student unread
// threads and student notifications. Viewed-cancelled markers cannot be
// derived from records, so those lists are only pruned down to orders that
// still exist and are still cancelled. Index entries for missing records are
// dropped.
func (s *Service) RebuildIndexes(ctx context.Context) (*RebuildReport, error) {
	orders, err := s.store.ScanOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan orders: %w", err)
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})

	byShop := make(map[string][]string)
	byStudent := make(map[string][]string)
	unread := make(map[string][]string)
	cancelled := make(map[string]bool)
	for _, o := range orders {
		byShop[o.ShopID] = append(byShop[o.ShopID], o.ID)
		byStudent[o.StudentID] = append(byStudent[o.StudentID], o.ID)
		if o.Status == models.StatusCancelled {
			cancelled[o.ID] = true
		}

		thread, err := s.store.GetMessages(ctx, o.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load messages for %s: %w", o.ID, err)
		}
		if hasUnreadForStudent(thread) {
			unread[o.StudentID] = append(unread[o.StudentID], o.ID)
		}
	}

	report := &RebuildReport{
		Orders:   len(orders),
		Shops:    len(byShop),
		Students: len(byStudent),
	}

	for shopID, ids := range byShop {
		if err := s.store.Replace(ctx, repository.ShopOrdersKey(shopID), ids); err != nil {
			return nil, fmt.Errorf("failed to rebuild shop index %s: %w", shopID, err)
		}

		viewedKey := repository.ShopViewedCancelledKey(shopID)
		viewed, err := s.store.Range(ctx, viewedKey, 0, -1)
		if err != nil {
			return nil, fmt.Errorf("failed to load viewed index %s: %w", shopID, err)
		}
		kept := make([]string, 0, len(viewed))
		for _, id := range viewed {
			if cancelled[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) != len(viewed) {
			if err := s.store.Replace(ctx, viewedKey, kept); err != nil {
				return nil, fmt.Errorf("failed to prune viewed index %s: %w", shopID, err)
			}
			report.ViewedPruned += len(viewed) - len(kept)
		}
	}
	for studentID, ids := range byStudent {
		if err := s.store.Replace(ctx, repository.StudentOrdersKey(studentID), ids); err != nil {
			return nil, fmt.Errorf("failed to rebuild student index %s: %w", studentID, err)
		}
		if err := s.store.Replace(ctx, repository.StudentUnreadKey(studentID), unread[studentID]); err != nil {
			return nil, fmt.Errorf("failed to rebuild unread index %s: %w", studentID, err)
		}
		report.UnreadThreads += len(unread[studentID])
	}

	n, err := s.rebuildNotificationIndexes(ctx)
	if err != nil {
		return nil, err
	}
	report.Notifications = n

	s.logger.Info("Indexes rebuilt",
		zap.Int("orders", report.Orders),
		zap.Int("shops", report.Shops),
		zap.Int("students", report.Students),
		zap.Int("unread_threads", report.UnreadThreads),
		zap.Int("notifications", report.Notifications),
		zap.Int("viewed_pruned", report.ViewedPruned))
	return report, nil
}

// rebuildNotificationIndexes rewrites each student's notification list
// newest first, the order the dispatcher prepends in.
func (s *Service) rebuildNotificationIndexes(ctx context.Context) (int, error) {
	notes, err := s.store.ScanNotifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan notifications: %w", err)
	}

	sort.SliceStable(notes, func(i, j int) bool {
		return notes[i].CreatedAt.After(notes[j].CreatedAt)
	})

	byStudent := make(map[string][]string)
	for _, n := range notes {
		byStudent[n.StudentID] = append(byStudent[n.StudentID], n.ID)
	}
	for studentID, ids := range byStudent {
		if err := s.store.Replace(ctx, repository.StudentNotificationsKey(studentID), ids); err != nil {
			return 0, fmt.Errorf("failed to rebuild notification index %s: %w", studentID, err)
		}
	}
	return len(notes), nil
}

func hasUnreadForStudent(thread []*models.Message) bool {
	for _, m := range thread {
		if m.SenderType == models.SenderShop && !m.ReadByStudent {
			return true
		}
	}
	return false
}
