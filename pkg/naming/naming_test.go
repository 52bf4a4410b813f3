package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeNameFromHint(t *testing.T) {
	tests := []struct {
		hint string
		want string
	}{
		{"customers", "Customer"},
		{"purchases", "Purchase"},
		{"store_visits", "StoreVisit"},
		{"categories", "Category"},
		{"addresses", "Address"},
		{"Zone", "Zone"},
		{"", "Record"},
	}
	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeNameFromHint(tt.hint))
		})
	}
}

func TestKeyStem(t *testing.T) {
	stem, ok := KeyStem("customer_id")
	assert.True(t, ok)
	assert.Equal(t, "customer", stem)

	stem, ok = KeyStem("productId")
	assert.True(t, ok)
	assert.Equal(t, "product", stem)

	stem, ok = KeyStem("id")
	assert.True(t, ok)
	assert.Equal(t, "", stem)

	_, ok = KeyStem("name")
	assert.False(t, ok)
}

func TestUpperSnake(t *testing.T) {
	assert.Equal(t, "PURCHASED_BY", UpperSnake("purchasedBy"))
	assert.Equal(t, "LOCATED_IN", UpperSnake("located in"))
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "References customer", Humanize("REFERENCES_CUSTOMER"))
	assert.Equal(t, "Store visit", Humanize("storeVisit"))
	assert.Equal(t, "", Humanize("  "))
}
