package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gigmarket/ordersync/internal/models"
)

// Response is the envelope every backend operation answers with
type Response struct {
	Result   FlexBool        `json:"result"`
	Message  FlexString      `json:"message"`
	Data     Records         `json:"data"`
	Chat     Records         `json:"chat"`
	FileName FlexString      `json:"file_name"`
	User     json.RawMessage `json:"user,omitempty"`

	op string
}

// Err returns a *RejectedError when the backend reported result=false
func (r *Response) Err() error {
	if r == nil {
		return &RejectedError{Message: "empty response"}
	}
	if bool(r.Result) {
		return nil
	}
	return &RejectedError{Op: r.op, Message: r.Message.String()}
}

// Records is a list of raw JSON objects. The backend sends arrays, a single
// object, null, "" or nothing at all; the last three mean no content.
type Records []json.RawMessage

func (r *Records) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, null), bytes.Equal(b, []byte(`""`)):
		*r = nil
		return nil
	case b[0] == '[':
		var list []json.RawMessage
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		out := list[:0]
		for _, item := range list {
			item = bytes.TrimSpace(item)
			if len(item) == 0 || bytes.Equal(item, null) {
				continue
			}
			out = append(out, item)
		}
		*r = out
		return nil
	case b[0] == '{':
		*r = Records{json.RawMessage(b)}
		return nil
	case b[0] == '"':
		// JSON encoded inside a string column
		var inner string
		if err := json.Unmarshal(b, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*r = nil
			return nil
		}
		return r.UnmarshalJSON([]byte(inner))
	case bytes.Equal(b, []byte("false")), bytes.Equal(b, []byte("0")):
		*r = nil
		return nil
	}
	return fmt.Errorf("failed to decode records: unexpected %q", truncate(b, 32))
}

// ExtraRecord is one extra charge as the backend stores it
type ExtraRecord struct {
	Description  FlexString `json:"description"`
	Amount       FlexString `json:"amount"`
	PaidBy       FlexString `json:"paid_by"`
	ItemImage    FlexString `json:"item_image"`
	ReceiptImage FlexString `json:"receipt_image"`
}

func (e ExtraRecord) toModel() (models.Extra, error) {
	amount, err := e.Amount.Decimal()
	if err != nil {
		return models.Extra{}, err
	}
	paidBy := models.PayerSelf
	if strings.EqualFold(e.PaidBy.String(), string(models.PayerCustomer)) {
		paidBy = models.PayerCustomer
	}
	return models.Extra{
		Description:     e.Description.String(),
		Amount:          amount,
		PaidBy:          paidBy,
		ItemImageRef:    e.ItemImage.String(),
		ReceiptImageRef: e.ReceiptImage.String(),
	}, nil
}

// ExtraList tolerates the same shapes as Records
type ExtraList []ExtraRecord

func (l *ExtraList) UnmarshalJSON(b []byte) error {
	var raw Records
	if err := raw.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("failed to decode extras: %w", err)
	}
	out := make(ExtraList, 0, len(raw))
	for _, item := range raw {
		var rec ExtraRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			return fmt.Errorf("failed to decode extra: %w", err)
		}
		out = append(out, rec)
	}
	*l = out
	return nil
}

// OrderRecord is an orders row from get_data
type OrderRecord struct {
	ID            FlexString `json:"id"`
	OrderNo       FlexString `json:"order_no"`
	Status        FlexString `json:"status"`
	UserID        FlexString `json:"user_id"`
	ToID          FlexString `json:"to_id"`
	CompanyID     FlexString `json:"company_id"`
	CreatedAt     FlexTime   `json:"created_at"`
	AcceptedAt    FlexTime   `json:"accepted_at"`
	ArrivedAt     FlexTime   `json:"arrived_at"`
	StartedAt     FlexTime   `json:"start_at"`
	CompletedAt   FlexTime   `json:"completed_at"`
	PaymentMethod FlexString `json:"payment_method"`
	PaymentStatus FlexString `json:"payment_status"`
	Amount        FlexString `json:"amount"`
	Discount      FlexString `json:"discount"`
	Extras        ExtraList  `json:"extras"`
	Rating        FlexString `json:"rating"`
	Review        FlexString `json:"review"`
	ReviewedAt    FlexTime   `json:"reviewed_at"`
}

// NormalizeStatus maps the backend's spellings ("On the way", "in-progress") to a status
func NormalizeStatus(v string) models.OrderStatus {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.NewReplacer(" ", "_", "-", "_").Replace(v)
	switch v {
	case "canceled":
		v = string(models.OrderStatusCancelled)
	case "ontheway":
		v = string(models.OrderStatusOnTheWay)
	}
	return models.OrderStatus(v)
}

// ToOrder converts the row into the local model. selfID decides which side
// of the order is the counterparty.
func (r OrderRecord) ToOrder(selfID string) (models.Order, error) {
	id := r.ID.String()
	if id == "" {
		return models.Order{}, errors.New("order record without id")
	}
	status := NormalizeStatus(r.Status.String())
	if !status.Valid() {
		return models.Order{}, fmt.Errorf("order %s: unknown status %q", id, r.Status)
	}

	amount, err := r.Amount.Decimal()
	if err != nil {
		return models.Order{}, fmt.Errorf("order %s: %w", id, err)
	}
	discount, err := r.Discount.Decimal()
	if err != nil {
		return models.Order{}, fmt.Errorf("order %s: %w", id, err)
	}

	paymentStatus := models.PaymentStatusPending
	switch strings.ToLower(r.PaymentStatus.String()) {
	case "paid", "1", "true":
		paymentStatus = models.PaymentStatusPaid
	}

	counterparty := r.ToID.String()
	if selfID != "" && selfID == r.ToID.String() {
		counterparty = r.UserID.String()
	}
	if models.IsUnassigned(counterparty) {
		counterparty = ""
	}

	order := models.Order{
		ID:             id,
		OrderNumber:    r.OrderNo.String(),
		Status:         status,
		CounterpartyID: counterparty,
		CreatedAt:      r.CreatedAt.Ptr(),
		AcceptedAt:     r.AcceptedAt.Ptr(),
		ArrivedAt:      r.ArrivedAt.Ptr(),
		WorkStartedAt:  r.StartedAt.Ptr(),
		CompletedAt:    r.CompletedAt.Ptr(),
		Payment: models.Payment{
			Method:          r.PaymentMethod.String(),
			Status:          paymentStatus,
			Amount:          amount,
			DiscountPercent: discount,
		},
	}

	for _, rec := range r.Extras {
		extra, err := rec.toModel()
		if err != nil {
			return models.Order{}, fmt.Errorf("order %s: %w", id, err)
		}
		order.Extras = append(order.Extras, extra)
	}

	rating, err := r.Rating.Int()
	if err != nil {
		return models.Order{}, fmt.Errorf("order %s: %w", id, err)
	}
	if rating > 0 {
		order.Review = &models.Review{
			Rating:      rating,
			Comment:     r.Review.String(),
			SubmittedAt: r.ReviewedAt.Time,
		}
	}

	return order, nil
}

// Orders decodes data as order rows. Rows that cannot be decoded are skipped
// and reported together in the returned error.
func (r *Response) Orders(selfID string) ([]models.Order, error) {
	var (
		orders []models.Order
		errs   []error
	)
	for _, raw := range r.Data {
		var rec OrderRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			errs = append(errs, fmt.Errorf("failed to decode order: %w", err))
			continue
		}
		order, err := rec.ToOrder(selfID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		orders = append(orders, order)
	}
	return orders, errors.Join(errs...)
}

// Extra returns the canonical extra from an update_data answer. The backend
// either echoes the extra itself or the whole order; in the latter case the
// newest extra is taken.
func (r *Response) Extra() (models.Extra, bool, error) {
	if len(r.Data) == 0 {
		return models.Extra{}, false, nil
	}
	raw := r.Data[0]

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return models.Extra{}, false, fmt.Errorf("failed to decode extra: %w", err)
	}

	if _, ok := probe["extras"]; ok {
		var rec OrderRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return models.Extra{}, false, fmt.Errorf("failed to decode order: %w", err)
		}
		if len(rec.Extras) == 0 {
			return models.Extra{}, false, nil
		}
		extra, err := rec.Extras[len(rec.Extras)-1].toModel()
		return extra, err == nil, err
	}

	var rec ExtraRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.Extra{}, false, fmt.Errorf("failed to decode extra: %w", err)
	}
	if rec.Description == "" && rec.ItemImage == "" && rec.ReceiptImage == "" {
		return models.Extra{}, false, nil
	}
	extra, err := rec.toModel()
	return extra, err == nil, err
}

// ChatRecord is one message from getchat
type ChatRecord struct {
	ID      FlexString `json:"id"`
	OrderID FlexString `json:"order_id"`
	FromID  FlexString `json:"from_id"`
	ToID    FlexString `json:"to_id"`
	Message FlexString `json:"msg"`
	Type    FlexString `json:"msg_type"`
	Time    FlexTime   `json:"time"`
}

// Messages decodes chat as the conversation of orderID seen by selfID
func (r *Response) Messages(orderID, selfID string) ([]models.ChatMessage, error) {
	var (
		out  []models.ChatMessage
		errs []error
	)
	for _, raw := range r.Chat {
		var rec ChatRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			errs = append(errs, fmt.Errorf("failed to decode chat message: %w", err))
			continue
		}
		if rec.ID == "" {
			errs = append(errs, errors.New("chat message without id"))
			continue
		}

		sender := models.SenderCounterparty
		if selfID != "" && rec.FromID.String() == selfID {
			sender = models.SenderSelf
		}
		kind := models.MessageKindText
		switch strings.ToLower(rec.Type.String()) {
		case "file", "image", "img":
			kind = models.MessageKindFile
		}
		msgOrder := rec.OrderID.String()
		if msgOrder == "" {
			msgOrder = orderID
		}

		out = append(out, models.ChatMessage{
			ID:       rec.ID.String(),
			OrderID:  msgOrder,
			Sender:   sender,
			Body:     rec.Message.String(),
			Kind:     kind,
			SentAt:   rec.Time.Time,
			Delivery: models.DeliverySent,
		})
	}
	return out, errors.Join(errs...)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
