package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/accounts/internal/models"
	"github.com/sirupsen/logrus"
)

const metadataSK = "METADATA"

// DynamoDBAPI is the subset of *dynamodb.Client the repository uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoDBAccountRepository keeps accounts in a single table. Each account
// has one ACCOUNT#<id> item plus USERNAME#<u> and EMAIL#<e> items that
// reserve the login identifiers and point back at the account id.
type DynamoDBAccountRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

func NewDynamoDBAccountRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *DynamoDBAccountRepository {
	return &DynamoDBAccountRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func (r *DynamoDBAccountRepository) Create(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	account.Username = models.NormalizeIdentifier(account.Username)
	account.Email = models.NormalizeIdentifier(account.Email)

	item, err := attributevalue.MarshalMap(account)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal account for DynamoDB")
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: account.GetPK()}
	item["SK"] = &types.AttributeValueMemberS{Value: account.GetSK()}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			r.putIfAbsent(item),
			r.putIfAbsent(r.indexItem(models.UsernamePK(account.Username), account.ID)),
			r.putIfAbsent(r.indexItem(models.EmailPK(account.Email), account.ID)),
		},
	})
	if err != nil {
		if isTransactionConditionFailure(err) {
			return ErrAccountExists
		}
		r.logger.WithError(err).Error("Failed to create account in DynamoDB")
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

func (r *DynamoDBAccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(models.AccountPK(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get account from DynamoDB")
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if result.Item == nil {
		return nil, ErrAccountNotFound
	}

	var account models.Account
	if err := attributevalue.UnmarshalMap(result.Item, &account); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal account from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}

	return &account, nil
}

// GetByIdentity resolves identifier as a username first, then as an email.
func (r *DynamoDBAccountRepository) GetByIdentity(ctx context.Context, identifier string) (*models.Account, error) {
	for _, pk := range []string{models.UsernamePK(identifier), models.EmailPK(identifier)} {
		id, err := r.lookupIndex(ctx, pk)
		if err != nil {
			return nil, err
		}
		if id != "" {
			return r.GetByID(ctx, id)
		}
	}
	return nil, ErrAccountNotFound
}

func (r *DynamoDBAccountRepository) SetRefreshToken(ctx context.Context, id, token string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(models.AccountPK(id)),
		UpdateExpression:    aws.String("SET refresh_token = :token, updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token":      &types.AttributeValueMemberS{Value: token},
			":updated_at": timestampValue(),
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrAccountNotFound
		}
		r.logger.WithError(err).WithField("account_id", id).Error("Failed to store refresh token in DynamoDB")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// SwapRefreshToken relies on the conditional update so that two rotations of
// the same token cannot both succeed.
func (r *DynamoDBAccountRepository) SwapRefreshToken(ctx context.Context, id, expected, next string) error {
	if expected == "" {
		return ErrRefreshTokenMismatch
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(models.AccountPK(id)),
		UpdateExpression:    aws.String("SET refresh_token = :next, updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(PK) AND refresh_token = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next":       &types.AttributeValueMemberS{Value: next},
			":expected":   &types.AttributeValueMemberS{Value: expected},
			":updated_at": timestampValue(),
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrRefreshTokenMismatch
		}
		r.logger.WithError(err).WithField("account_id", id).Error("Failed to rotate refresh token in DynamoDB")
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	return nil
}

func (r *DynamoDBAccountRepository) ClearRefreshToken(ctx context.Context, id string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(models.AccountPK(id)),
		UpdateExpression:    aws.String("REMOVE refresh_token SET updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":updated_at": timestampValue(),
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrAccountNotFound
		}
		r.logger.WithError(err).WithField("account_id", id).Error("Failed to clear refresh token in DynamoDB")
		return fmt.Errorf("failed to clear refresh token: %w", err)
	}
	return nil
}

func (r *DynamoDBAccountRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(models.AccountPK(id)),
		UpdateExpression:    aws.String("SET password_hash = :hash, updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":hash":       &types.AttributeValueMemberS{Value: hash},
			":updated_at": timestampValue(),
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrAccountNotFound
		}
		r.logger.WithError(err).WithField("account_id", id).Error("Failed to update password in DynamoDB")
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// UpdateDetails changes the display name and email. An email change moves
// the EMAIL# reservation in the same transaction as the account update.
func (r *DynamoDBAccountRepository) UpdateDetails(ctx context.Context, id, fullName, email string) (*models.Account, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	email = models.NormalizeIdentifier(email)
	update := &types.Update{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(models.AccountPK(id)),
		UpdateExpression:    aws.String("SET full_name = :full_name, email = :email, updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(PK) AND email = :old_email"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":full_name":  &types.AttributeValueMemberS{Value: fullName},
			":email":      &types.AttributeValueMemberS{Value: email},
			":old_email":  &types.AttributeValueMemberS{Value: current.Email},
			":updated_at": timestampValue(),
		},
	}

	items := []types.TransactWriteItem{{Update: update}}
	if email != current.Email {
		items = append(items,
			r.putIfAbsent(r.indexItem(models.EmailPK(email), id)),
			types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(r.tableName),
				Key:       r.key(models.EmailPK(current.Email)),
			}},
		)
	}

	if _, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if isTransactionConditionFailure(err) {
			return nil, ErrAccountExists
		}
		r.logger.WithError(err).WithField("account_id", id).Error("Failed to update account in DynamoDB")
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *DynamoDBAccountRepository) lookupIndex(ctx context.Context, pk string) (string, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(pk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to read identity index from DynamoDB")
		return "", fmt.Errorf("failed to look up account: %w", err)
	}
	if result.Item == nil {
		return "", nil
	}
	attr, ok := result.Item["account_id"].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("identity index item %s has no account_id", pk)
	}
	return attr.Value, nil
}

func (r *DynamoDBAccountRepository) key(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: metadataSK},
	}
}

func (r *DynamoDBAccountRepository) indexItem(pk, accountID string) map[string]types.AttributeValue {
	item := r.key(pk)
	item["account_id"] = &types.AttributeValueMemberS{Value: accountID}
	return item
}

func (r *DynamoDBAccountRepository) putIfAbsent(item map[string]types.AttributeValue) types.TransactWriteItem {
	return types.TransactWriteItem{Put: &types.Put{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}}
}

func timestampValue() types.AttributeValue {
	return &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)}
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func isTransactionConditionFailure(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, reason := range canceled.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}
