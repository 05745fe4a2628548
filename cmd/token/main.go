// token 为一个匿名身份签发 JWT，用于本地调试 /ws 和 REST 接口。
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/middleware"
)

func main() {
	_ = godotenv.Load()

	aid := flag.String("aid", "", "identity aid (random when empty)")
	name := flag.String("name", "anonymous", "display name")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "signing secret (defaults to JWT_SECRET)")
	flag.Parse()

	if *aid == "" {
		*aid = uuid.NewString()
	}
	token, err := middleware.IssueToken(*secret, domain.Identity{UserAid: *aid, DisplayName: *name}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
