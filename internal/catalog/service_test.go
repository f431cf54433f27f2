package catalog

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	products map[int64]Product
	nextID   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{products: make(map[int64]Product)}
}

func (r *memoryRepo) Insert(ctx context.Context, in RegisterInput) (Product, error) {
	for _, p := range r.products {
		if p.SKU == in.SKU {
			return Product{}, ErrDuplicateSKU
		}
	}
	r.nextID++
	p := Product{ID: r.nextID, SKU: in.SKU, Name: in.Name, Category: in.Category, UOM: in.UOM, SalePrice: in.SalePrice, Active: true}
	r.products[p.ID] = p
	return p, nil
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Product, error) {
	p, ok := r.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (r *memoryRepo) GetBySKU(ctx context.Context, sku string) (Product, error) {
	for _, p := range r.products {
		if p.SKU == sku {
			return p, nil
		}
	}
	return Product{}, ErrNotFound
}

func (r *memoryRepo) List(ctx context.Context, activeOnly bool, limit, offset int) ([]Product, error) {
	result := []Product{}
	for _, p := range r.products {
		if !activeOnly || p.Active {
			result = append(result, p)
		}
	}
	return result, nil
}

func (r *memoryRepo) ListActiveIDs(ctx context.Context) ([]int64, error) {
	ids := []int64{}
	for _, p := range r.products {
		if p.Active {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func (r *memoryRepo) Update(ctx context.Context, id int64, in UpdateInput) (Product, error) {
	p, ok := r.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.Category != nil {
		p.Category = *in.Category
	}
	if in.SalePrice != nil {
		p.SalePrice = *in.SalePrice
	}
	r.products[id] = p
	return p, nil
}

func (r *memoryRepo) SetActive(ctx context.Context, id int64, active bool) error {
	p, ok := r.products[id]
	if !ok {
		return ErrNotFound
	}
	p.Active = active
	r.products[id] = p
	return nil
}

func TestRegisterNormalisesSKU(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	ctx := context.Background()

	p, err := svc.Register(ctx, RegisterInput{SKU: "  hx-m8-bolt ", Name: "Hex bolt M8", SalePrice: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.Equal(t, "HX-M8-BOLT", p.SKU)
	require.Equal(t, "EA", p.UOM)

	_, err = svc.Register(ctx, RegisterInput{SKU: "HX-M8-BOLT", Name: "Duplicate", SalePrice: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrDuplicateSKU)
}

func TestRegisterRejectsNegativePrice(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	_, err := svc.Register(context.Background(), RegisterInput{SKU: "X", Name: "X", SalePrice: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, ErrValidation)
}

func TestDeactivateKeepsProduct(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	ctx := context.Background()

	p, err := svc.Register(ctx, RegisterInput{SKU: "HX-1", Name: "Washer", SalePrice: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(ctx, p.ID))

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, got.Active)

	ids, err := svc.ListActiveIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestGetBySKUCaseInsensitive(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{SKU: "HX-2", Name: "Nut", SalePrice: decimal.NewFromInt(1)})
	require.NoError(t, err)

	p, err := svc.GetBySKU(ctx, "hx-2")
	require.NoError(t, err)
	require.Equal(t, "HX-2", p.SKU)
}
