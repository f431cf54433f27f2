package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/stockforge/stockforge/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	Insert(ctx context.Context, in RegisterInput) (Product, error)
	Get(ctx context.Context, id int64) (Product, error)
	GetBySKU(ctx context.Context, sku string) (Product, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]Product, error)
	ListActiveIDs(ctx context.Context) ([]int64, error)
	Update(ctx context.Context, id int64, in UpdateInput) (Product, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages the product master data.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// Register adds a product. SKUs are normalised to upper case and immutable
// afterwards.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Product, error) {
	in.SKU = strings.ToUpper(strings.TrimSpace(in.SKU))
	in.Name = strings.TrimSpace(in.Name)
	if in.SKU == "" || in.Name == "" {
		return Product{}, ErrValidation
	}
	if in.UOM == "" {
		in.UOM = "EA"
	}
	if in.SalePrice.IsNegative() {
		return Product{}, ErrValidation
	}
	p, err := s.repo.Insert(ctx, in)
	if err != nil {
		return Product{}, err
	}
	s.recordAudit(ctx, "PRODUCT_REGISTER", p.ID, map[string]any{"sku": p.SKU})
	return p, nil
}

// Get loads a product by id.
func (s *Service) Get(ctx context.Context, id int64) (Product, error) {
	return s.repo.Get(ctx, id)
}

// GetBySKU resolves a product from a scanned label.
func (s *Service) GetBySKU(ctx context.Context, sku string) (Product, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return Product{}, ErrValidation
	}
	return s.repo.GetBySKU(ctx, sku)
}

// List returns products.
func (s *Service) List(ctx context.Context, activeOnly bool, limit, offset int) ([]Product, error) {
	return s.repo.List(ctx, activeOnly, limit, offset)
}

// ListActiveIDs feeds the day-close fan-out.
func (s *Service) ListActiveIDs(ctx context.Context) ([]int64, error) {
	return s.repo.ListActiveIDs(ctx)
}

// Update applies a partial update. The SKU cannot change.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (Product, error) {
	if in.SalePrice != nil && in.SalePrice.IsNegative() {
		return Product{}, ErrValidation
	}
	p, err := s.repo.Update(ctx, id, in)
	if err != nil {
		return Product{}, err
	}
	s.recordAudit(ctx, "PRODUCT_UPDATE", p.ID, map[string]any{"sku": p.SKU})
	return p, nil
}

// Deactivate removes a product from active flows while keeping its history.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		return err
	}
	s.recordAudit(ctx, "PRODUCT_DEACTIVATE", id, nil)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "product", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
