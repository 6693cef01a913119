package main

import (
	"fmt"
	"log"
	"time"

	"github.com/cachemir/ringcache/pkg/client"
)

func main() {
	servers := []string{"localhost:8080", "localhost:8081", "localhost:8082"}

	c, err := client.New(servers)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}
	defer c.Close()

	fmt.Println("=== ringcache Client Example ===")

	if err := c.AliveBang(); err != nil {
		log.Printf("Warning: AliveBang failed: %v", err)
	} else {
		fmt.Println("✓ Connected to ring")
	}

	fmt.Println("\n--- Basic Operations ---")

	if err := c.Set("user:1", "john_doe", 0); err != nil {
		log.Printf("SET failed: %v", err)
	} else {
		fmt.Println("✓ SET user:1 = john_doe")
	}

	var name string
	if found, err := c.Get("user:1", &name); err != nil {
		log.Printf("GET failed: %v", err)
	} else {
		fmt.Printf("✓ GET user:1 = %s (found=%t)\n", name, found)
	}

	if stored, err := c.Add("user:1", "jane_doe", 0); err != nil {
		log.Printf("ADD failed: %v", err)
	} else {
		fmt.Printf("✓ ADD user:1 (already exists) = stored:%t\n", stored)
	}

	if stored, err := c.Replace("user:1", "john_doe_v2", 0); err != nil {
		log.Printf("REPLACE failed: %v", err)
	} else {
		fmt.Printf("✓ REPLACE user:1 = stored:%t\n", stored)
	}

	fmt.Println("\n--- Counter Operations ---")

	if value, err := c.Incr("counter", 1, 0, true, 0); err != nil {
		log.Printf("INCR failed: %v", err)
	} else {
		fmt.Printf("✓ INCR counter = %d\n", value)
	}

	if value, err := c.Incr("counter", 1, 0, true, 0); err != nil {
		log.Printf("INCR failed: %v", err)
	} else {
		fmt.Printf("✓ INCR counter = %d\n", value)
	}

	if value, err := c.Decr("counter", 1, 0, true, 0); err != nil {
		log.Printf("DECR failed: %v", err)
	} else {
		fmt.Printf("✓ DECR counter = %d\n", value)
	}

	fmt.Println("\n--- Expiration ---")

	if err := c.Set("temp_key", "temp_value", 5*time.Second); err != nil {
		log.Printf("SET with TTL failed: %v", err)
	} else {
		fmt.Println("✓ SET temp_key with 5s TTL")
	}

	if touched, err := c.Touch("temp_key", 30*time.Second); err != nil {
		log.Printf("TOUCH failed: %v", err)
	} else {
		fmt.Printf("✓ TOUCH temp_key to 30s = %t\n", touched)
	}

	var tempValue string
	if found, err := c.Gat("temp_key", time.Minute, &tempValue); err != nil {
		log.Printf("GAT failed: %v", err)
	} else {
		fmt.Printf("✓ GAT temp_key = %s (found=%t)\n", tempValue, found)
	}

	fmt.Println("\n--- Append/Prepend ---")

	if err := c.Set("log_line", "middle", 0); err != nil {
		log.Printf("SET failed: %v", err)
	}

	if _, err := c.Append("log_line", []byte("-end")); err != nil {
		log.Printf("APPEND failed: %v", err)
	} else {
		fmt.Println("✓ APPEND -end to log_line")
	}

	if _, err := c.Prepend("log_line", []byte("start-")); err != nil {
		log.Printf("PREPEND failed: %v", err)
	} else {
		fmt.Println("✓ PREPEND start- to log_line")
	}

	fmt.Println("\n--- Fetch and CAS ---")

	computed, err := c.Fetch("computed:1", time.Minute, func() (interface{}, error) {
		fmt.Println("  (cache miss, computing value)")
		return "expensive_result", nil
	})
	if err != nil {
		log.Printf("FETCH failed: %v", err)
	} else {
		fmt.Printf("✓ FETCH computed:1 = %v\n", computed)
	}

	casResult, err := c.CasBang("visits", func(current []byte) (interface{}, error) {
		if current == nil {
			return []byte("1"), nil
		}
		return current, nil
	})
	if err != nil {
		log.Printf("CASBANG failed: %v", err)
	} else {
		fmt.Printf("✓ CASBANG visits = %v\n", casResult)
	}

	fmt.Println("\n--- Multi-Get ---")

	if items, err := c.GetMulti([]string{"user:1", "counter", "log_line", "missing_key"}); err != nil {
		log.Printf("GETMULTI failed: %v", err)
	} else {
		for key, item := range items {
			fmt.Printf("✓ GETMULTI %s = %q (cas=%d)\n", key, item.Value, item.CAS)
		}
	}

	fmt.Println("\n--- Server Info ---")

	for addr, version := range c.Version() {
		fmt.Printf("✓ %s version = %s\n", addr, version)
	}

	for addr, stats := range c.Stats() {
		fmt.Printf("✓ %s stats = %v\n", addr, stats)
	}

	fmt.Println("\n--- Cleanup ---")

	if deleted, err := c.Delete("user:1"); err != nil {
		log.Printf("DELETE failed: %v", err)
	} else {
		fmt.Printf("✓ DELETE user:1 = %t\n", deleted)
	}

	fmt.Println("\n=== Example Complete ===")
}
