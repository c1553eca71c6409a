package models

// Customer is owned by the enrollment side of the product. The engine only
// reads it to resolve delivery channels and the display data returned on
// redemption.
type Customer struct {
	// ID is the unique identifier for the customer.
	ID string `json:"id" gorm:"column:id;primaryKey;size:64"`
	// DisplayName is the name shown (masked) to kiosk staff.
	DisplayName string `json:"display_name" gorm:"column:display_name;not null"`
	// CreatedAt is the Unix timestamp when the customer was created.
	CreatedAt int64 `json:"created_at" gorm:"column:created_at"`
	// TelegramProvider is the linked Telegram identity, if any.
	TelegramProvider *TelegramProvider `json:"telegram_provider,omitempty" gorm:"foreignKey:CustomerID;references:ID;constraint:OnDelete:CASCADE"`
	// EmailProvider is the customer's email channel, if any.
	EmailProvider *EmailProvider `json:"email_provider,omitempty" gorm:"foreignKey:CustomerID;references:ID;constraint:OnDelete:CASCADE"`
}

type TelegramProvider struct {
	// ID is the unique identifier for the telegram provider.
	ID int64 `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	// CustomerID is the foreign key to the Customer.
	CustomerID string `json:"customer_id" gorm:"column:customer_id;size:64;uniqueIndex;not null"`
	// Username is the username in the telegram.
	Username string `json:"username" gorm:"column:username"`
	// ChatID is the chat ID in the telegram.
	ChatID string `json:"chat_id" gorm:"column:chat_id;index;not null"`
}

type EmailProvider struct {
	// ID is the unique identifier for the email provider.
	ID int64 `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	// CustomerID is the foreign key to the Customer.
	CustomerID string `json:"customer_id" gorm:"column:customer_id;size:64;uniqueIndex;not null"`
	// Email is the email address of the user.
	Email string `json:"email" gorm:"column:email;not null"`
}

// ChatID returns the linked Telegram chat or "".
func (c *Customer) ChatID() string {
	if c.TelegramProvider == nil {
		return ""
	}
	return c.TelegramProvider.ChatID
}

// Email returns the customer's email or "".
func (c *Customer) Email() string {
	if c.EmailProvider == nil {
		return ""
	}
	return c.EmailProvider.Email
}
