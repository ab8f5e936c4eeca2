package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	sq "github.com/Masterminds/squirrel"

	"examhub/internal/model"
)

// MemoryItems is an in-process Items used when no database is configured.
type MemoryItems struct {
	mu    sync.RWMutex
	items map[string]model.LineItem
}

func NewMemoryItems(items ...model.LineItem) *MemoryItems {
	m := &MemoryItems{items: make(map[string]model.LineItem)}
	for _, it := range items {
		m.items[it.ID] = it
	}
	return m
}

// Put adds or replaces a line item.
func (m *MemoryItems) Put(it model.LineItem) {
	m.mu.Lock()
	m.items[it.ID] = it
	m.mu.Unlock()
}

func (m *MemoryItems) ForOrder(_ context.Context, orderID string) ([]model.LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.LineItem
	for _, it := range m.items {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryItems) Get(_ context.Context, itemID string) (model.LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[itemID]
	if !ok {
		return model.LineItem{}, ErrItemNotFound
	}
	return it, nil
}

// SQLItems reads the order_items table.
type SQLItems struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

func NewSQLItems(db *sql.DB) *SQLItems {
	return &SQLItems{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}
}

func (s *SQLItems) selectItems() sq.SelectBuilder {
	return s.sb.Select("id", "order_id", "owner_id", "pack_title", "pack_file").From("order_items")
}

func (s *SQLItems) ForOrder(ctx context.Context, orderID string) ([]model.LineItem, error) {
	query, args, err := s.selectItems().Where(sq.Eq{"order_id": orderID}).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var out []model.LineItem
	for rows.Next() {
		var it model.LineItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.OwnerID, &it.PackTitle, &it.PackFile); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLItems) Get(ctx context.Context, itemID string) (model.LineItem, error) {
	query, args, err := s.selectItems().Where(sq.Eq{"id": itemID}).ToSql()
	if err != nil {
		return model.LineItem{}, fmt.Errorf("build select: %w", err)
	}
	var it model.LineItem
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&it.ID, &it.OrderID, &it.OwnerID, &it.PackTitle, &it.PackFile)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LineItem{}, ErrItemNotFound
	}
	if err != nil {
		return model.LineItem{}, fmt.Errorf("select order item: %w", err)
	}
	return it, nil
}
