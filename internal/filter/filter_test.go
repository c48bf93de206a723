package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild_Empty(t *testing.T) {
	where, args := Build(1)
	assert.Equal(t, "", where)
	assert.Nil(t, args)

	var b Builder
	where, args = b.Add(nil, Range("price", nil, nil), Like("", "name")).Build(1)
	assert.Equal(t, "", where)
	assert.Nil(t, args)
}

func TestBuild_Placeholders(t *testing.T) {
	var b Builder
	b.Add(
		Equals("o.merchant_id", int64(7)),
		Range("o.price", 10, 20),
		Raw("o.in_stock"),
		In("o.product_id", []int64{1, 2, 3}),
		Like("phone", "p.name", "p.brand"),
	)

	where, args := b.Build(3)
	assert.Equal(t,
		"WHERE o.merchant_id = $3 AND o.price >= $4 AND o.price <= $5 AND o.in_stock AND o.product_id = ANY($6) AND (p.name ILIKE $7 OR p.brand ILIKE $7)",
		where)
	assert.Equal(t, []any{int64(7), 10, 20, []int64{1, 2, 3}, "%phone%"}, args)
}

func TestRange_OpenBounds(t *testing.T) {
	where, args := Build(1, Range("price", nil, 50))
	assert.Equal(t, "WHERE price <= $1", where)
	assert.Equal(t, []any{50}, args)

	where, args = Build(1, Range("price", 5, nil))
	assert.Equal(t, "WHERE price >= $1", where)
	assert.Equal(t, []any{5}, args)
}

func TestLike_ValuesAreNeverInterpolated(t *testing.T) {
	where, args := Build(1, Like("'; DROP TABLE offers; --", "name"), Equals("slug", "x' OR '1'='1"))
	assert.NotContains(t, where, "DROP")
	assert.NotContains(t, where, "'1'")
	assert.Equal(t, "%'; DROP TABLE offers; --%", args[0])
	assert.Equal(t, "x' OR '1'='1", args[1])
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\% off\_now`, EscapeLike("50% off_now"))
	where, args := Build(1, Like("100%", "name"))
	assert.Equal(t, "WHERE (name ILIKE $1)", where)
	assert.Equal(t, []any{`%100\%%`}, args)
}
