// Package notionapi mirrors account and payment records into a Notion
// database for analytics. Everything here is best effort: a mirror failure is
// logged and dropped, never surfaced to the flows that triggered it.
package notionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"veobotdev/httpmiddleware"
	"veobotdev/ledger"
	"veobotdev/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	baseURL       = "https://api.notion.com/v1"
	notionVersion = "2022-06-28"
)

type NotionConnectProps struct {
	Logger *logger.LogMiddleware
}

type Notion struct {
	logger     *logger.LogMiddleware
	databaseID string
}

func Connect(ctx context.Context, args NotionConnectProps) *Notion {
	tracer := otel.Tracer("notionapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	databaseID := os.Getenv("NOTION_DATABASE_ID")
	if databaseID == "" {
		args.Logger.Logger(ctx).Warn("[Notion] NOTION_DATABASE_ID not set, mirroring disabled")
	}

	return &Notion{logger: args.Logger, databaseID: databaseID}
}

func headers() map[string]string {
	return map[string]string{
		"Authorization":  "Bearer " + os.Getenv("NOTION_API_KEY"),
		"Notion-Version": notionVersion,
		"Content-Type":   "application/json",
	}
}

func title(content string) map[string]any {
	return map[string]any{"title": []map[string]any{{"text": map[string]any{"content": content}}}}
}

func richText(content string) map[string]any {
	return map[string]any{"rich_text": []map[string]any{{"text": map[string]any{"content": content}}}}
}

func number(value int64) map[string]any {
	return map[string]any{"number": value}
}

func accountProperties(account ledger.Account) map[string]any {
	return map[string]any{
		"Telegram ID":     title(account.AccountID),
		"Username":        richText(account.Username),
		"First Name":      richText(account.FirstName),
		"Current Balance": number(account.Balance),
		"Total Purchased": number(account.TotalCredited),
		"Total Spent":     number(account.TotalDebited),
		"Generations":     number(account.TotalGenerations),
	}
}

// SyncAccount upserts the account row keyed by its Telegram identity.
func (n *Notion) SyncAccount(ctx context.Context, account ledger.Account) {
	tracer := otel.Tracer("notionapi/SyncAccount")
	ctx, span := tracer.Start(ctx, "SyncAccount")
	defer span.End()

	span.SetAttributes(attribute.String("account.id", account.AccountID))

	if n.databaseID == "" {
		return
	}

	logger := n.logger.Logger(ctx)

	pageID, err := n.findPage(ctx, account.AccountID)
	if err != nil {
		logger.Warn("[Notion] Account lookup failed", zap.Error(err), zap.String("account_id", account.AccountID))
		return
	}

	properties := accountProperties(account)

	var payload any
	var method, url string
	if pageID == "" {
		method, url = "POST", baseURL+"/pages"
		payload = map[string]any{
			"parent":     map[string]any{"database_id": n.databaseID},
			"properties": properties,
		}
	} else {
		method, url = "PATCH", baseURL+"/pages/"+pageID
		payload = map[string]any{"properties": properties}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		return
	}

	_, err = httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
		Ctx:     ctx,
		Method:  method,
		Url:     url,
		Body:    bytes.NewBuffer(jsonData),
		Headers: headers(),
	})
	if err != nil {
		span.RecordError(err)
		logger.Warn("[Notion] Account sync failed", zap.Error(err), zap.String("account_id", account.AccountID))
		return
	}

	logger.Info("[Notion] Account synced", zap.String("account_id", account.AccountID))
}

// SyncPayment appends a payment record to the mirror database.
func (n *Notion) SyncPayment(ctx context.Context, payment ledger.PendingPayment) {
	tracer := otel.Tracer("notionapi/SyncPayment")
	ctx, span := tracer.Start(ctx, "SyncPayment")
	defer span.End()

	if n.databaseID == "" {
		return
	}

	payload := map[string]any{
		"parent": map[string]any{"database_id": n.databaseID},
		"properties": map[string]any{
			"Telegram ID": title(payment.AccountID),
			"Payment ID":  richText(payment.PaymentID),
			"Tokens":      number(payment.Tokens),
			"Amount":      number(payment.AmountCharged),
			"Status":      richText(string(payment.Status)),
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		return
	}

	_, err = httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
		Ctx:     ctx,
		Method:  "POST",
		Url:     baseURL + "/pages",
		Body:    bytes.NewBuffer(jsonData),
		Headers: headers(),
	})
	if err != nil {
		span.RecordError(err)
		n.logger.Logger(ctx).Warn("[Notion] Payment sync failed",
			zap.Error(err),
			zap.String("payment_id", payment.PaymentID),
		)
		return
	}

	n.logger.Logger(ctx).Info("[Notion] Payment synced", zap.String("payment_id", payment.PaymentID))
}

func (n *Notion) findPage(ctx context.Context, accountID string) (string, error) {
	payload := map[string]any{
		"filter": map[string]any{
			"property":  "Telegram ID",
			"rich_text": map[string]any{"equals": accountID},
		},
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	respBody, err := httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
		Ctx:     ctx,
		Method:  "POST",
		Url:     fmt.Sprintf("%s/databases/%s/query", baseURL, n.databaseID),
		Body:    bytes.NewBuffer(jsonData),
		Headers: headers(),
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", err
	}
	if len(result.Results) == 0 {
		return "", nil
	}
	return result.Results[0].ID, nil
}
