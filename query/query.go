// Package query describes document-store list requests: filter predicates
// composed from equality, conjunction and disjunction, plus ordering and
// limit/offset pagination. Stores compile a Query into their native dialect.
package query

const (
	FieldID               = "id"
	FieldSenderID         = "senderId"
	FieldReceiverID       = "receiverId"
	FieldCreatedAt        = "timestamp"
	FieldUserID           = "userId"
	FieldRole             = "role"
	FieldName             = "name"
	FieldAssignedDoctorID = "assignedDoctorId"
)

// Filter is a predicate over document fields.
type Filter interface {
	isFilter()
}

// Equal matches documents whose Field equals Value. A nil Value matches
// documents where the field is unset.
type Equal struct {
	Field string
	Value any
}

// And matches documents satisfying every member. An empty And matches all.
type And []Filter

// Or matches documents satisfying at least one member. An empty Or matches none.
type Or []Filter

func (Equal) isFilter() {}
func (And) isFilter()   {}
func (Or) isFilter()    {}

// Eq builds an equality predicate.
func Eq(field string, value any) Filter {
	return Equal{Field: field, Value: value}
}

// AllOf builds a conjunction.
func AllOf(filters ...Filter) Filter {
	return And(filters)
}

// AnyOf builds a disjunction.
func AnyOf(filters ...Filter) Filter {
	return Or(filters)
}

// ConversationFilter matches messages exchanged between a and b in either
// direction.
func ConversationFilter(a, b string) Filter {
	return AnyOf(
		AllOf(Eq(FieldSenderID, a), Eq(FieldReceiverID, b)),
		AllOf(Eq(FieldSenderID, b), Eq(FieldReceiverID, a)),
	)
}

// Order sorts results by one field.
type Order struct {
	Field string
	Desc  bool
}

// Asc orders by field ascending.
func Asc(field string) Order {
	return Order{Field: field}
}

// Desc orders by field descending.
func Desc(field string) Order {
	return Order{Field: field, Desc: true}
}

// Query is one list request. Limit <= 0 means the store default.
type Query struct {
	Filter  Filter
	OrderBy []Order
	Limit   int
	Offset  int
}
