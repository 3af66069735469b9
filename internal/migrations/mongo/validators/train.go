package validators

import "go.mongodb.org/mongo-driver/bson"

var TrainValidator = bson.M{
	"$jsonSchema": bson.M{
		"bsonType": "object",
		"required": []string{
			"name",
			"source",
			"destination",
			"departure_time",
			"seats",
		},
		"additionalProperties": true,

		"properties": bson.M{
			"_id": bson.M{
				"bsonType":  "string",
				"minLength": 2,
				"maxLength": 50,
			},

			"name": bson.M{
				"bsonType":  "string",
				"minLength": 2,
				"maxLength": 100,
			},

			"source": bson.M{
				"bsonType":  "string",
				"minLength": 2,
				"maxLength": 50,
			},

			"destination": bson.M{
				"bsonType":  "string",
				"minLength": 2,
				"maxLength": 50,
			},

			"departure_time": bson.M{
				"bsonType": "date",
			},

			"seats": bson.M{
				"bsonType": "array",
				"minItems": 1,
				"items": bson.M{
					"bsonType": "object",
					"required": []string{"seat_number", "class", "state"},
					"properties": bson.M{
						"seat_number": bson.M{
							"bsonType": "string",
							"pattern":  "^[A-Z]{1,2}[0-9]{1,3}$",
						},
						"class": bson.M{
							"enum": []string{"AC", "Sleeper"},
						},
						"state": bson.M{
							"enum": []string{"FREE", "HELD", "BOOKED"},
						},
						"holder": bson.M{
							"bsonType": "string",
						},
						"owner": bson.M{
							"bsonType": "string",
						},
						"expires_at": bson.M{
							"bsonType": "date",
						},
					},
				},
			},
		},
	},
}
