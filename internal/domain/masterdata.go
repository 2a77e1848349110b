package domain

// Customer is a master-data customer record.
type Customer struct {
	CustomerID  string `json:"customer_id"`
	CustomerNum string `json:"customer_num"`
	Name        string `json:"name"`
	CompanyID   string `json:"company_id,omitempty"`
}

// Contact is a master-data contact record, keyed in practice by email.
type Contact struct {
	ContactID  string `json:"contact_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	CustomerID string `json:"customer_id"`
	Telephone  string `json:"telephone,omitempty"`
}

// Company is a master-data company record.
type Company struct {
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
}

// Product is a master-data product record.
type Product struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price,omitempty"`
}

// MasterDataSnapshot is an immutable view of the master-data service at a
// given version. Snapshots are shared by reference; callers must not mutate
// them. Lookups are served from indexes built once at construction.
type MasterDataSnapshot struct {
	Version   int64      `json:"version"`
	Customers []Customer `json:"customers"`
	Contacts  []Contact  `json:"contacts"`
	Companies []Company  `json:"companies"`
	Products  []Product  `json:"products"`

	customersByID   map[string]*Customer
	contactsByEmail map[string]*Contact
}

// BuildIndexes populates the lookup maps. Must be called once after the
// snapshot's slices are final (the masterdata service does this before
// handing the snapshot out).
func (m *MasterDataSnapshot) BuildIndexes() {
	m.customersByID = make(map[string]*Customer, len(m.Customers))
	for i := range m.Customers {
		m.customersByID[m.Customers[i].CustomerID] = &m.Customers[i]
	}
	m.contactsByEmail = make(map[string]*Contact, len(m.Contacts))
	for i := range m.Contacts {
		m.contactsByEmail[NormalizeEmail(m.Contacts[i].Email)] = &m.Contacts[i]
	}
}

// CustomerByID returns the customer with the given ID, or nil.
func (m *MasterDataSnapshot) CustomerByID(customerID string) *Customer {
	if m == nil || m.customersByID == nil {
		return nil
	}
	return m.customersByID[customerID]
}

// ContactByEmail returns the contact whose email matches case-insensitively
// on the trimmed address, or nil.
func (m *MasterDataSnapshot) ContactByEmail(email string) *Contact {
	if m == nil || m.contactsByEmail == nil {
		return nil
	}
	return m.contactsByEmail[NormalizeEmail(email)]
}

// ContactByID returns the contact with the given ID, or nil.
func (m *MasterDataSnapshot) ContactByID(contactID string) *Contact {
	if m == nil {
		return nil
	}
	for i := range m.Contacts {
		if m.Contacts[i].ContactID == contactID {
			return &m.Contacts[i]
		}
	}
	return nil
}

// ContactsByCustomer returns all contacts belonging to a customer.
func (m *MasterDataSnapshot) ContactsByCustomer(customerID string) []Contact {
	if m == nil {
		return nil
	}
	var out []Contact
	for _, c := range m.Contacts {
		if c.CustomerID == customerID {
			out = append(out, c)
		}
	}
	return out
}
