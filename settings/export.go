package settings

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ledgerlink/finance_backend/config"
	"github.com/ledgerlink/finance_backend/models"
	"github.com/ledgerlink/finance_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const (
	ExportFormatZip  = "zip"
	ExportFormatXlsx = "xlsx"

	zipContentType  = "application/zip"
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	exportBaseName = "ledgerlink-export"

	// Signed export links stay valid long enough to click through, not
	// long enough to share.
	exportLinkLifetime = 15 * time.Minute
)

var (
	ErrInvalidExportFormat = errors.New("format must be zip or xlsx")
	ErrXlsxExportDisabled  = errors.New("xlsx export is disabled")
)

// NormalizeExportFormat maps the ?format= query to a supported format.
// Empty means zip.
func NormalizeExportFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", ExportFormatZip:
		return ExportFormatZip, nil
	case ExportFormatXlsx:
		if !config.XlsxExportEnabled() {
			return "", ErrXlsxExportDisabled
		}
		return ExportFormatXlsx, nil
	default:
		return "", ErrInvalidExportFormat
	}
}

// ExportArchive is a fully built archive ready to stream or upload.
type ExportArchive struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportLink points at an uploaded archive.
type ExportLink struct {
	URL       string    `json:"url"`
	FileName  string    `json:"file_name"`
	ExpiresAt time.Time `json:"expires_at"`
}

type exportBundle struct {
	profile                *models.Profile
	items                  []models.BankItem
	accounts               []models.Account
	transactions           []models.Transaction
	holdings               []models.InvestmentHolding
	investmentTransactions []models.InvestmentTransaction
}

// ExportData builds the archive for everything the user owns.
func (s *Service) ExportData(ctx context.Context, userID, format string) (*ExportArchive, error) {
	bundle, err := s.collectExportData(ctx, userID)
	if err != nil {
		return nil, err
	}

	var archive *ExportArchive
	switch format {
	case ExportFormatXlsx:
		data, err := buildXlsxArchive(bundle)
		if err != nil {
			return nil, fmt.Errorf("build xlsx archive: %w", err)
		}
		archive = &ExportArchive{
			Filename:    exportBaseName + ".xlsx",
			ContentType: xlsxContentType,
			Data:        data,
		}
	default:
		data, err := buildZipArchive(userID, bundle)
		if err != nil {
			return nil, fmt.Errorf("build zip archive: %w", err)
		}
		archive = &ExportArchive{
			Filename:    exportBaseName + ".zip",
			ContentType: zipContentType,
			Data:        data,
		}
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":      userID,
		"format":       format,
		"size_bytes":   len(archive.Data),
		"transactions": len(bundle.transactions),
	}).Info("data export created")
	return archive, nil
}

// UploadExport pushes an archive to object storage and signs a download URL.
func (s *Service) UploadExport(ctx context.Context, userID string, archive *ExportArchive) (*ExportLink, error) {
	if s.storage == nil {
		return nil, ErrStorageNotConfigured
	}

	objectKey := utils.GenerateObjectKey("exports/"+userID, path.Ext(archive.Filename))
	if err := s.storage.Upload(ctx, objectKey, archive.Data, archive.ContentType); err != nil {
		return nil, fmt.Errorf("upload export: %w", err)
	}
	url, expiresAt, err := s.storage.SignedDownloadURL(ctx, objectKey, exportLinkLifetime)
	if err != nil {
		return nil, fmt.Errorf("sign export url: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":    userID,
		"object_key": objectKey,
	}).Info("data export uploaded")
	return &ExportLink{
		URL:       url,
		FileName:  archive.Filename,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) collectExportData(ctx context.Context, userID string) (*exportBundle, error) {
	profile, err := s.profiles.GetOrCreate(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	items, err := s.store.ListBankItems(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list bank items: %w", err)
	}
	accounts, err := s.store.ListAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	transactions, err := s.store.ListTransactions(ctx, userID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	bundle := &exportBundle{
		profile:      profile,
		items:        items,
		accounts:     accounts,
		transactions: transactions,
	}
	for _, item := range items {
		holdings, err := s.store.ListHoldings(ctx, userID, item.ItemId)
		if err != nil {
			return nil, fmt.Errorf("list holdings: %w", err)
		}
		bundle.holdings = append(bundle.holdings, holdings...)

		investmentTransactions, err := s.store.ListInvestmentTransactions(ctx, userID, item.ItemId, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("list investment transactions: %w", err)
		}
		bundle.investmentTransactions = append(bundle.investmentTransactions, investmentTransactions...)
	}
	return bundle, nil
}

// exportSection is one entity table of the archive: a CSV file in the zip,
// a sheet in the workbook.
type exportSection struct {
	file    string
	sheet   string
	headers []string
	rows    [][]string
}

func exportSections(bundle *exportBundle) []exportSection {
	return []exportSection{
		profileSection(bundle.profile),
		bankItemsSection(bundle.items),
		accountsSection(bundle.accounts),
		transactionsSection(bundle.transactions),
		holdingsSection(bundle.holdings),
		investmentTransactionsSection(bundle.investmentTransactions),
	}
}

// The profile section deliberately leaves out the Stripe identifiers, and
// bank items leave out the access token. Exports carry no credentials.

func profileSection(profile *models.Profile) exportSection {
	section := exportSection{
		file:  "profile",
		sheet: "Profile",
		headers: []string{
			"user_id", "email", "full_name", "avatar_url", "is_pro",
			"subscription_status", "cancel_at_period_end",
			"notif_email_weekly", "notif_inapp_alerts", "notif_sms_alerts",
			"phone_number", "pref_theme", "pref_currency", "pref_timezone",
			"created_at",
		},
	}
	if profile == nil {
		return section
	}
	section.rows = append(section.rows, []string{
		profile.UserId,
		profile.Email,
		profile.FullName,
		profile.AvatarURL,
		strconv.FormatBool(profile.IsPro),
		profile.SubscriptionStatus,
		strconv.FormatBool(profile.CancelAtPeriodEnd),
		strconv.FormatBool(utils.DereferencePtr(profile.NotifEmailWeekly, true)),
		strconv.FormatBool(utils.DereferencePtr(profile.NotifInappAlerts, true)),
		strconv.FormatBool(utils.DereferencePtr(profile.NotifSmsAlerts, false)),
		profile.PhoneNumber,
		profile.PrefTheme,
		profile.PrefCurrency,
		profile.PrefTimezone,
		timestampString(profile.CreatedAt),
	})
	return section
}

func bankItemsSection(items []models.BankItem) exportSection {
	section := exportSection{
		file:  "bank_items",
		sheet: "BankItems",
		headers: []string{
			"item_id", "institution_id", "institution_name", "status",
			"error_message", "last_synced_at", "created_at",
		},
	}
	for _, item := range items {
		section.rows = append(section.rows, []string{
			item.ItemId,
			item.InstitutionId,
			item.InstitutionName,
			item.Status,
			item.ErrorMessage,
			timePtrString(item.LastSyncedAt),
			timestampString(item.CreatedAt),
		})
	}
	return section
}

func accountsSection(accounts []models.Account) exportSection {
	section := exportSection{
		file:  "accounts",
		sheet: "Accounts",
		headers: []string{
			"account_id", "item_id", "name", "official_name", "type",
			"subtype", "mask", "balance_current", "balance_available",
			"currency_code", "updated_at",
		},
	}
	for _, account := range accounts {
		section.rows = append(section.rows, []string{
			account.AccountId,
			account.ItemId,
			account.Name,
			account.OfficialName,
			account.Type,
			account.Subtype,
			account.Mask,
			decimalPtrString(account.BalanceCurrent),
			decimalPtrString(account.BalanceAvailable),
			account.CurrencyCode,
			timestampString(account.UpdatedAt),
		})
	}
	return section
}

func transactionsSection(transactions []models.Transaction) exportSection {
	section := exportSection{
		file:  "transactions",
		sheet: "Transactions",
		headers: []string{
			"transaction_id", "account_id", "item_id", "date", "name",
			"merchant_name", "amount", "currency_code", "category",
			"category_id", "payment_channel", "pending",
		},
	}
	for _, txn := range transactions {
		section.rows = append(section.rows, []string{
			txn.TransactionId,
			txn.AccountId,
			txn.ItemId,
			dateString(txn.Date),
			txn.Name,
			txn.MerchantName,
			txn.Amount.String(),
			txn.CurrencyCode,
			strings.Join(txn.Category, " > "),
			txn.CategoryId,
			txn.PaymentChannel,
			strconv.FormatBool(txn.Pending),
		})
	}
	return section
}

func holdingsSection(holdings []models.InvestmentHolding) exportSection {
	section := exportSection{
		file:  "holdings",
		sheet: "Holdings",
		headers: []string{
			"security_id", "account_id", "item_id", "ticker",
			"security_name", "security_type", "quantity", "price", "value",
			"cost_basis", "currency_code", "updated_at",
		},
	}
	for _, holding := range holdings {
		section.rows = append(section.rows, []string{
			holding.SecurityId,
			holding.AccountId,
			holding.ItemId,
			holding.Ticker,
			holding.SecurityName,
			holding.SecurityType,
			holding.Quantity.String(),
			decimalPtrString(holding.Price),
			holding.Value.String(),
			decimalPtrString(holding.CostBasis),
			holding.CurrencyCode,
			timestampString(holding.UpdatedAt),
		})
	}
	return section
}

func investmentTransactionsSection(transactions []models.InvestmentTransaction) exportSection {
	section := exportSection{
		file:  "investment_transactions",
		sheet: "InvestmentTransactions",
		headers: []string{
			"investment_transaction_id", "account_id", "item_id",
			"security_id", "ticker", "name", "type", "subtype", "date",
			"quantity", "price", "amount", "fees", "currency_code",
		},
	}
	for _, txn := range transactions {
		section.rows = append(section.rows, []string{
			txn.InvestmentTransactionId,
			txn.AccountId,
			txn.ItemId,
			txn.SecurityId,
			txn.Ticker,
			txn.Name,
			txn.Type,
			txn.Subtype,
			dateString(txn.Date),
			decimalPtrString(txn.Quantity),
			decimalPtrString(txn.Price),
			txn.Amount.String(),
			decimalPtrString(txn.Fees),
			txn.CurrencyCode,
		})
	}
	return section
}

func buildZipArchive(userID string, bundle *exportBundle) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	sections := exportSections(bundle)
	files := make([]string, 0, len(sections)+1)
	for _, section := range sections {
		name := section.file + ".csv"
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		cw := csv.NewWriter(w)
		if err := cw.Write(section.headers); err != nil {
			return nil, err
		}
		for _, row := range section.rows {
			if err := cw.Write(row); err != nil {
				return nil, err
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return nil, err
		}
		files = append(files, name)
	}

	info := map[string]interface{}{
		"export_date":    time.Now().UTC().Format(time.RFC3339),
		"user_id":        userID,
		"files_included": files,
	}
	w, err := zw.Create("export_info.json")
	if err != nil {
		return nil, err
	}
	encoded, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(encoded); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildXlsxArchive(bundle *exportBundle) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	for i, section := range exportSections(bundle) {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", section.sheet); err != nil {
				return nil, err
			}
		} else {
			if _, err := f.NewSheet(section.sheet); err != nil {
				return nil, err
			}
		}
		header := toCellRow(section.headers)
		if err := f.SetSheetRow(section.sheet, "A1", &header); err != nil {
			return nil, err
		}
		for r, row := range section.rows {
			cells := toCellRow(row)
			if err := f.SetSheetRow(section.sheet, "A"+fmt.Sprint(r+2), &cells); err != nil {
				return nil, err
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toCellRow(values []string) []interface{} {
	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}
	return row
}

func dateString(t time.Time) string {
	return t.Format("2006-01-02")
}

func timestampString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func timePtrString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return timestampString(*t)
}

func decimalPtrString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
