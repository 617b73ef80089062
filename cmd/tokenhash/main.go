// tokenhash выпускает токен доступа к API и печатает bcrypt хеш для API_TOKEN_HASH.
//
//	tokenhash                 - сгенерировать новый токен
//	tokenhash -token <value>  - захешировать заданный токен
package main

import (
	"flag"
	"fmt"
	"os"

	"orderdispatch/pkg/crypto"
	"orderdispatch/pkg/utils"
)

// Размер сгенерированного токена в байтах (в hex вдвое длиннее)
const generatedTokenBytes = 24

func main() {
	token := flag.String("token", "", "existing token to hash")
	cost := flag.Int("cost", crypto.DefaultCost, "bcrypt cost")
	flag.Parse()

	logger := utils.InitGlobalLogger(utils.LogConfig{Level: "info", Format: "text", Output: "stderr"})
	defer logger.Sync()

	generated := *token == ""
	if generated {
		t, err := crypto.GenerateToken(generatedTokenBytes)
		if err != nil {
			logger.Fatal("generate token", utils.Err(err))
		}
		*token = t
	}

	if err := utils.ValidateAPIToken(*token); err != nil {
		logger.Error("token rejected", utils.Err(err))
		os.Exit(2)
	}

	hash, err := crypto.HashToken(*token, *cost)
	if err != nil {
		logger.Fatal("hash token", utils.Err(err))
	}

	if generated {
		fmt.Printf("API_TOKEN=%s\n", *token)
	}
	fmt.Printf("API_TOKEN_HASH=%s\n", hash)
}
