package agent

import (
	"time"

	"github.com/p-poon/pantry-pilot/pkg/domain"
)

// DemoCatalog is the fixed grocery catalog the agent shops from.
func DemoCatalog() []domain.CartItem {
	return []domain.CartItem{
		{Name: "Salmon Fillets", Merchant: "RedMart", Quantity: 2, Price: 9.50},
		{Name: "Veggie Stir-fry Kit", Merchant: "FairPrice", Quantity: 1, Price: 6.90},
		{Name: "Chicken Broth", Merchant: "RedMart", Quantity: 3, Price: 2.25},
		{Name: "Plant-based Patties", Merchant: "FairPrice", Quantity: 1, Price: 7.80},
		{Name: "Hotpot Set", Merchant: "RedMart", Quantity: 1, Price: 21.25},
		{Name: "Laksa Paste", Merchant: "FairPrice", Quantity: 2, Price: 2.60},
	}
}

type MealPlan struct {
	WeekOf time.Time `json:"week_of"`
	Meals  []string  `json:"meals"`
}

func (s *Signer) MealPlan() MealPlan {
	return MealPlan{
		WeekOf: s.now(),
		Meals: []string{
			"Mon: Teriyaki Salmon Bowl",
			"Tue: Veggie Stir-fry",
			"Wed: Chicken Pho",
			"Thu: Beyond Burger Night",
			"Fri: Family Hotpot",
			"Sat: Bento Picnic",
			"Sun: Laksa Sunday",
		},
	}
}
