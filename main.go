package main

import (
	"log"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"lumina_back/identity"
	"lumina_back/knowledge"
	"lumina_back/llm"
	"lumina_back/sessions"
	"lumina_back/store"
	"lumina_back/uploads"
	"lumina_back/websearch"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func corsConfig() cors.Config {
	config := cors.DefaultConfig()
	config.AllowHeaders = append(config.AllowHeaders, "Authorization", "X-Stream")
	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS")); origins != "" {
		config.AllowOrigins = strings.Split(origins, ",")
	} else {
		config.AllowAllOrigins = true
	}
	return config
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.New(corsConfig()))

	guard, err := identity.NewGuardFromEnv()
	if err != nil {
		log.Fatalf("init auth guard: %v", err)
	}

	// Shared clients are created once here and injected; no package keeps
	// its own connection singleton.
	redisClient, redisErr := store.NewRedisClientFromEnv()
	if redisErr != nil {
		log.Printf("redis unavailable: %v", redisErr)
	}

	var db *gorm.DB
	sessionBackend := strings.ToLower(strings.TrimSpace(os.Getenv("SESSION_BACKEND")))
	if sessionBackend != "redis" {
		db, err = store.OpenDatabaseFromEnv()
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
	}

	embedder, err := knowledge.NewEmbedderFromEnv()
	if err != nil {
		log.Fatalf("init embedder: %v", err)
	}
	vectors, err := knowledge.NewVectorStoreFromEnv(redisClient, knowledge.VectorDimensionFromEnv())
	if err != nil {
		log.Fatalf("init vector store: %v", err)
	}
	knowledgeService, err := knowledge.NewServiceFromEnv(embedder, vectors)
	if err != nil {
		log.Fatalf("init knowledge service: %v", err)
	}
	if _, err := knowledge.RegisterRoutes(r, guard, knowledgeService); err != nil {
		log.Fatalf("register document routes: %v", err)
	}

	sessionStore, err := sessions.NewStoreFromEnv(db, redisClient)
	if err != nil {
		log.Fatalf("init session store: %v", err)
	}
	sessionStore = sessions.NewCachedStore(sessionStore, redisClient)
	if _, err := sessions.RegisterRoutes(r, guard, sessionStore); err != nil {
		log.Fatalf("register session routes: %v", err)
	}

	var tools []llm.Tool
	searchClient, err := websearch.NewClientFromEnv()
	if err != nil {
		log.Printf("web search disabled: %v", err)
	} else {
		tools = append(tools, websearch.NewTool(searchClient))
	}

	chatClient, err := llm.NewChatClientFromEnv()
	if err != nil {
		log.Fatalf("init chat client: %v", err)
	}
	assembler, err := llm.NewAssemblerFromEnv(chatClient, tools, knowledgeService, sessionStore)
	if err != nil {
		log.Fatalf("init assembler: %v", err)
	}
	if _, err := llm.RegisterRoutes(r, guard, assembler, chatClient); err != nil {
		log.Fatalf("register chat routes: %v", err)
	}

	objectStorage, err := uploads.NewObjectStorageFromEnv()
	if err != nil {
		log.Fatalf("init object storage: %v", err)
	}
	if objectStorage == nil {
		log.Printf("object storage not configured: uploads keep indexed content only")
	}
	if _, err := uploads.RegisterRoutes(r, guard, knowledgeService, objectStorage); err != nil {
		log.Fatalf("register upload routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
