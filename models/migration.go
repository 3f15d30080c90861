package models

import (
	"log"

	"github.com/ledgerlink/finance_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&BankItem{}, &Account{}, &Transaction{},
		&InvestmentHolding{}, &InvestmentTransaction{},
		&Profile{},
		&WebhookEvent{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
