package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Ad-hoc ledger inspection: connects to whatever the engine is using and
// prints rows that would indicate a reconciliation bug.
func main() {
	var (
		db  *sql.DB
		err error
	)
	if connStr := os.Getenv("DATABASE_URL"); connStr != "" {
		db, err = sql.Open("pgx", connStr)
	} else {
		path := "data/tradeclub.db"
		if len(os.Args) > 1 {
			path = os.Args[1]
		}
		db, err = sql.Open("sqlite", path)
	}
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}
	fmt.Println("Successfully connected to DB")

	// 1. Delegations spent past their limit (should be impossible)
	fmt.Println("\n--- Checking for overspent delegations ---")
	rows, err := db.Query(`
		SELECT delegation_hash, follower_address, match_id, spent_amount, spending_limit
		FROM delegations
		WHERE CAST(spent_amount AS DECIMAL) > CAST(spending_limit AS DECIMAL)
		LIMIT 10
	`)
	if err != nil {
		log.Printf("Error querying overspent delegations: %v", err)
	} else {
		defer rows.Close()
		found := false
		for rows.Next() {
			found = true
			var hash, follower, matchID, spent, limit string
			if err := rows.Scan(&hash, &follower, &matchID, &spent, &limit); err != nil {
				log.Printf("Error scanning row: %v", err)
				continue
			}
			fmt.Printf("Delegation: %s, Follower: %s, Match: %s, Spent: %s, Limit: %s\n",
				hash, follower, matchID, spent, limit)
		}
		if !found {
			fmt.Println("No overspent delegations found.")
		}
	}

	// 2. Delegations still flagged active past expiry. Expiry is detected
	// lazily, so a few of these are normal; thousands are not.
	fmt.Println("\n--- Checking for stale active delegations ---")
	var staleCount int
	err = db.QueryRow(`
		SELECT COUNT(*)
		FROM delegations
		WHERE is_active = TRUE AND expires_at < CURRENT_TIMESTAMP
	`).Scan(&staleCount)
	if err != nil {
		log.Printf("Error counting stale delegations: %v", err)
	} else {
		fmt.Printf("Active-but-expired delegations: %d\n", staleCount)
	}

	// 3. Copy trades without a delegation reference
	fmt.Println("\n--- Checking for orphaned copy trades ---")
	rows2, err := db.Query(`
		SELECT id, match_id, participant_id, tx_hash
		FROM trades
		WHERE kind = 'FOLLOWER_COPY' AND delegation_id IS NULL
		LIMIT 10
	`)
	if err != nil {
		log.Printf("Error querying orphaned trades: %v", err)
	} else {
		defer rows2.Close()
		found := false
		for rows2.Next() {
			found = true
			var id, participantID int64
			var matchID, txHash string
			if err := rows2.Scan(&id, &matchID, &participantID, &txHash); err != nil {
				log.Printf("Error scanning row: %v", err)
				continue
			}
			fmt.Printf("Trade: %d, Match: %s, Participant: %d, Tx: %s\n", id, matchID, participantID, txHash)
		}
		if !found {
			fmt.Println("No orphaned copy trades found.")
		}
	}

	// 4. Per-match ledger summary
	fmt.Println("\n--- Per-match summary ---")
	rows3, err := db.Query(`
		SELECT m.id, m.status, m.prize_pool,
		       (SELECT COUNT(*) FROM participants p WHERE p.match_id = m.id),
		       (SELECT COUNT(*) FROM trades t WHERE t.match_id = m.id)
		FROM matches m
		ORDER BY m.created_at DESC
		LIMIT 20
	`)
	if err != nil {
		log.Printf("Error querying match summary: %v", err)
	} else {
		defer rows3.Close()
		for rows3.Next() {
			var id, status, prizePool string
			var participants, trades int
			if err := rows3.Scan(&id, &status, &prizePool, &participants, &trades); err != nil {
				log.Printf("Error scanning row: %v", err)
				continue
			}
			fmt.Printf("Match: %s, Status: %s, PrizePool: %s wei, Participants: %d, Trades: %d\n",
				id, status, prizePool, participants, trades)
		}
	}
}
