// Mark analyses left unfinished by a crashed server as failed. A server that
// exits without SIGTERM never records a final state, so its jobs stay
// submitted or running forever.
//
// Usage:
//
//	go run ./scripts/fail-stale --dry-run            # preview changes
//	go run ./scripts/fail-stale --older-than 30m     # apply changes
//	go run ./scripts/fail-stale --table my-table     # custom table name
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/apresai/domain-analyzer/internal/mcpserver"
)

func main() {
	tableName := flag.String("table", "apresai-analyses-prod", "DynamoDB table name")
	region := flag.String("region", "us-east-1", "AWS region")
	olderThan := flag.Duration("older-than", time.Hour, "Only touch jobs not updated for this long")
	dryRun := flag.Bool("dry-run", false, "Preview changes without writing")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(*region))
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	client := dynamodb.NewFromConfig(cfg)
	store := mcpserver.NewStore(client, *tableName)

	cutoff := time.Now().UTC().Add(-*olderThan).Format(time.RFC3339)
	fmt.Printf("Table: %s | Cutoff: %s | Dry run: %v\n", *tableName, cutoff, *dryRun)

	var lastKey map[string]types.AttributeValue
	var scanned, failed, errs int

	for {
		input := &dynamodb.ScanInput{
			TableName:        tableName,
			FilterExpression: aws.String("begins_with(PK, :prefix) AND #status IN (:submitted, :running, :uploading) AND updatedAt < :cutoff"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix":    &types.AttributeValueMemberS{Value: "ANALYSIS#"},
				":submitted": &types.AttributeValueMemberS{Value: string(mcpserver.JobStatusSubmitted)},
				":running":   &types.AttributeValueMemberS{Value: string(mcpserver.JobStatusRunning)},
				":uploading": &types.AttributeValueMemberS{Value: string(mcpserver.JobStatusUploading)},
				":cutoff":    &types.AttributeValueMemberS{Value: cutoff},
			},
			ExclusiveStartKey: lastKey,
		}

		result, err := client.Scan(ctx, input)
		if err != nil {
			log.Fatalf("scan: %v", err)
		}

		var items []mcpserver.AnalysisItem
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
			log.Fatalf("unmarshal: %v", err)
		}

		for _, item := range items {
			scanned++
			action := "FAIL"
			if *dryRun {
				action = "DRY-RUN"
			}
			fmt.Printf("[%s] %s %s: %s since %s\n", action, item.AnalysisID, item.Domain, item.Status, item.UpdatedAt)
			if *dryRun {
				failed++
				continue
			}
			if err := store.FailJob(ctx, item.AnalysisID, "server stopped during processing"); err != nil {
				log.Printf("ERROR failing %s: %v", item.AnalysisID, err)
				errs++
				continue
			}
			failed++
		}

		lastKey = result.LastEvaluatedKey
		if lastKey == nil {
			break
		}
	}

	fmt.Printf("\nDone. Stale: %d, Failed: %d, Errors: %d\n", scanned, failed, errs)
	if *dryRun {
		fmt.Println("(dry run, no changes written)")
	}
}
