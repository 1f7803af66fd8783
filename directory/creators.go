package directory

import (
	"context"

	"github.com/saiset-co/sai-directory/database"
	"github.com/saiset-co/sai-directory/types"
)

// UserCreators resolves preset creators from the users collection.
type UserCreators struct {
	db         types.DatabaseManager
	collection string
}

func NewUserCreators(db types.DatabaseManager, collection string) *UserCreators {
	if collection == "" {
		collection = types.ResourceUsers
	}
	return &UserCreators{db: db, collection: collection}
}

func (u *UserCreators) ResolveCreators(ctx context.Context, userIDs []string) (map[string]*types.Creator, error) {
	ids := make([]interface{}, 0, len(userIDs))
	for _, id := range userIDs {
		ids = append(ids, id)
	}

	docs, _, err := u.db.ReadDocuments(ctx, types.ReadDocumentsRequest{
		Collection: u.collection,
		Filter:     map[string]interface{}{database.FieldInternalID: map[string]interface{}{"$in": ids}},
	})
	if err != nil {
		return nil, err
	}

	creators := make(map[string]*types.Creator, len(docs))
	for _, doc := range docs {
		id, _ := doc[database.FieldInternalID].(string)
		name, _ := doc["name"].(string)
		image, _ := doc["image"].(string)
		creators[id] = &types.Creator{ID: id, Name: name, Image: image}
	}
	return creators, nil
}
