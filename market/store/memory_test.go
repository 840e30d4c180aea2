package store_test

import (
	"testing"

	"github.com/warp/lead-exchange/market"
	"github.com/warp/lead-exchange/market/store"
	"github.com/warp/lead-exchange/market/store/storetest"
)

func TestMemoryStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) market.Store {
		return store.NewMemory()
	})
}
