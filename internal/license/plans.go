package license

// PlanGrant is the capability set a plan tier confers.
type PlanGrant struct {
	Features []string
	Limits   map[string]int64
}

// planGrants maps plan tiers to the features and numeric limits embedded in
// license claims. Unknown tiers fall back to the free grant rather than
// failing issuance: the tenant keeps minimal access while billing is sorted
// out.
var planGrants = map[string]PlanGrant{
	"free": {
		Features: []string{"core"},
		Limits:   map[string]int64{"seats": 3, "projects": 1, "api_rpm": 60},
	},
	"starter": {
		Features: []string{"core", "integrations"},
		Limits:   map[string]int64{"seats": 10, "projects": 5, "api_rpm": 300},
	},
	"pro": {
		Features: []string{"core", "integrations", "sso", "audit_log"},
		Limits:   map[string]int64{"seats": 50, "projects": 25, "api_rpm": 1200},
	},
	"enterprise": {
		Features: []string{"core", "integrations", "sso", "audit_log", "custom_domains", "priority_support"},
		Limits:   map[string]int64{"seats": 1000, "projects": 250, "api_rpm": 6000},
	},
}

// GrantFor resolves the capability grant for a plan tier.
func GrantFor(plan string) PlanGrant {
	if g, ok := planGrants[plan]; ok {
		return g
	}
	return planGrants["free"]
}

// PlanRank orders tiers so plan moves can be classified as upgrades or
// downgrades. Unknown tiers rank below free.
func PlanRank(plan string) int {
	switch plan {
	case "free":
		return 1
	case "starter":
		return 2
	case "pro":
		return 3
	case "enterprise":
		return 4
	default:
		return 0
	}
}

// revokedGrant is issued for revoked or canceled subscriptions: no features,
// zeroed limits. The validator still verifies such tokens; interpreting an
// empty grant is the caller's policy.
var revokedGrant = PlanGrant{Features: []string{}, Limits: map[string]int64{"seats": 0, "projects": 0, "api_rpm": 0}}
