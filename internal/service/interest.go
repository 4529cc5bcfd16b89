package service

import (
	"context"
	"strings"
	"time"

	"interestchat/internal/models"
	"interestchat/internal/repository"
)

// InterestService 提供兴趣目录的查询与初始化。
type InterestService struct {
	store   repository.Store
	timeout time.Duration
}

func NewInterestService(store repository.Store, timeout time.Duration) *InterestService {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &InterestService{store: store, timeout: timeout}
}

// List 按名称升序返回全部兴趣。
func (s *InterestService) List(ctx context.Context) ([]InterestView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	interests, err := s.store.ListInterests(ctx)
	if err != nil {
		return nil, fail(ctx, "list interests", err)
	}
	out := make([]InterestView, 0, len(interests))
	for _, i := range interests {
		out = append(out, toInterestView(i))
	}
	return out, nil
}

// Seed 插入尚不存在的兴趣名，返回新增条数。
func (s *InterestService) Seed(ctx context.Context, names []string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	seen := make(map[string]struct{}, len(names))
	interests := make([]models.Interest, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if len([]rune(n)) > 100 {
			return 0, BadRequest("interest name exceeds 100 characters")
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		interests = append(interests, models.Interest{Name: n})
	}
	n, err := s.store.CreateInterests(ctx, interests)
	if err != nil {
		return 0, fail(ctx, "seed interests", err)
	}
	return n, nil
}
