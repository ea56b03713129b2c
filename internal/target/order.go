package target

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

var (
	// ErrMissingItemID the product URL carries no numeric id parameter
	ErrMissingItemID = errors.New("target: product url has no item id")

	// ErrPayloadMismatch dispatch.form names a different item than the product URL
	ErrPayloadMismatch = errors.New("target: form disagrees with product url")
)

// Keys derived from the product URL.
const (
	KeyItemID   = "item_id"
	KeySkuID    = "sku_id"
	KeyQuantity = "quantity"
)

// PayloadFromURL builds the order fields from a product URL such as
// https://detail.tmall.com/item.htm?id=123&skuId=456. skuId is optional.
// quantity below 1 is treated as 1.
func PayloadFromURL(rawURL string, quantity int) (types.Payload, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingItemID, err)
	}
	query := u.Query()

	itemID := query.Get("id")
	if !isDigits(itemID) {
		return nil, fmt.Errorf("%w: %s", ErrMissingItemID, rawURL)
	}
	if quantity < 1 {
		quantity = 1
	}

	payload := types.Payload{
		KeyItemID:   itemID,
		KeyQuantity: strconv.Itoa(quantity),
	}
	if sku := query.Get("skuId"); isDigits(sku) {
		payload[KeySkuID] = sku
	}
	return payload, nil
}

// OrderPayload layers form over the fields derived from rawURL. An empty
// rawURL means the form is used as is. The form may add fields or override
// the quantity, but it must not name another item or sku.
func OrderPayload(rawURL string, quantity int, form map[string]string) (types.Payload, error) {
	payload := types.Payload{}
	if rawURL != "" {
		derived, err := PayloadFromURL(rawURL, quantity)
		if err != nil {
			return nil, err
		}
		payload = derived
	}

	for k, v := range form {
		if k == KeyItemID || k == KeySkuID {
			if prev, ok := payload[k]; ok && prev != v {
				return nil, fmt.Errorf("%w: %s=%q, url has %q", ErrPayloadMismatch, k, v, prev)
			}
		}
		payload[k] = v
	}
	return payload, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
